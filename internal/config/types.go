package config

// Config is the full on-disk configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON before the strict decode.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Relay     RelayConfig     `json:"relay"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// RelayConfig controls the relay engine policies.
//
// All durations are Go duration strings (e.g. "500ms", "3s", "1m").
type RelayConfig struct {
	// AdminGroupID is the supergroup holding one forum topic per requester.
	// It must have topics enabled.
	AdminGroupID int64 `json:"admin_group_id"`

	AdminUserIDs []int64 `json:"admin_user_ids"`

	AppName        string `json:"app_name,omitempty"`
	WelcomeMessage string `json:"welcome_message,omitempty"`

	// MessageInterval is the per-requester cooldown between inbound
	// messages. Messages arriving earlier are dropped with a notice.
	// "0s" disables the cooldown.
	MessageInterval string `json:"message_interval,omitempty"`

	// MediaGroupDelay is the quiet period before a buffered album is
	// flushed as one grouped delivery. Defaults to "3s".
	MediaGroupDelay string `json:"media_group_delay,omitempty"`

	CaptchaEnabled bool `json:"captcha_enabled"`

	// BanForeverOnDelete permanently blocks a requester once their topic
	// is deleted; subsequent messages are rejected instead of opening a
	// fresh topic.
	BanForeverOnDelete bool `json:"ban_forever_on_delete"`

	// DeleteUserMessagesOnPurge also removes the requester-side copies of
	// all mapped messages when a topic is purged via /clear.
	DeleteUserMessagesOnPurge bool `json:"delete_user_messages_on_purge"`

	// SyncEditsWhenClosed pushes edit synchronization even while the
	// thread is closed. Default false: edits on closed threads are ignored.
	SyncEditsWhenClosed bool `json:"sync_edits_when_closed"`
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// StartDelay postpones dispatch after the command, so the operator can
	// still see the confirmation before sends begin. Defaults to "2s".
	StartDelay string `json:"start_delay,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}
