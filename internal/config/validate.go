package config

import (
	"errors"
	"fmt"
)

// Validate checks fields the process cannot run without plus every
// duration string. Called at startup and before committing a reload.
func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	if c.Relay.AdminGroupID == 0 {
		errs = append(errs, errors.New("relay.admin_group_id: required"))
	}
	if len(c.Relay.AdminUserIDs) == 0 {
		errs = append(errs, errors.New("relay.admin_user_ids: at least one admin required"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	if c.Broadcast.RatePerSec < 0 {
		errs = append(errs, errors.New("broadcast.rate_per_sec: must be >= 0"))
	}

	for _, f := range []struct {
		path, raw string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"relay.message_interval", c.Relay.MessageInterval},
		{"relay.media_group_delay", c.Relay.MediaGroupDelay},
		{"broadcast.start_delay", c.Broadcast.StartDelay},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
