package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
relay:
  admin_group_id: -100200300
  admin_user_ids: [42, 43]
  app_name: helpdesk
  message_interval: "2s"
  media_group_delay: "3s"
  captcha_enabled: true
  ban_forever_on_delete: true
broadcast:
  rate_per_sec: 10
  start_delay: "2s"
logging:
  level: INFO
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./data/relay.db
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Relay.AdminGroupID != -100200300 {
		t.Fatalf("admin_group_id = %d", cfg.Relay.AdminGroupID)
	}
	if len(cfg.Relay.AdminUserIDs) != 2 || cfg.Relay.AdminUserIDs[0] != 42 {
		t.Fatalf("admin_user_ids = %v", cfg.Relay.AdminUserIDs)
	}
	if !cfg.Relay.CaptchaEnabled || !cfg.Relay.BanForeverOnDelete {
		t.Fatalf("policy flags lost: %+v", cfg.Relay)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	body := strings.Replace(validYAML, "app_name: helpdesk", "app_naem: helpdesk", 1)
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Load(); err == nil {
		t.Fatalf("misspelled field accepted")
	}
}

func TestValidateCatchesMissingEssentials(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no group", func(c *Config) { c.Relay.AdminGroupID = 0 }, "admin_group_id"},
		{"no admins", func(c *Config) { c.Relay.AdminUserIDs = nil }, "admin_user_ids"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad duration", func(c *Config) { c.Relay.MessageInterval = "fast" }, "message_interval"},
		{"negative rate", func(c *Config) { c.Broadcast.RatePerSec = -1 }, "rate_per_sec"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, "config.yaml", validYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("Validate accepted a broken config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name %q", err, tc.want)
			}
		})
	}
}

func TestParseDurations(t *testing.T) {
	d, err := ParseDurationField("x", " 500ms ")
	if err != nil || d != 500*time.Millisecond {
		t.Fatalf("ParseDurationField: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage duration accepted")
	}
	d, err = ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationOrDefault: d=%v err=%v", d, err)
	}
}

func TestLoadJSON(t *testing.T) {
	body := `{
  "telegram": {"token": "123:abc"},
  "relay": {"admin_group_id": -5, "admin_user_ids": [1]},
  "logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"path": "./relay.db"}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.AdminGroupID != -5 {
		t.Fatalf("admin_group_id = %d", cfg.Relay.AdminGroupID)
	}
}
