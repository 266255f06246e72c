package ingest

import (
	"errors"
	"strings"
	"time"
)

type Config struct {
	Enabled      bool   `json:"enabled"`
	Server       string `json:"server"`
	Port         int    `json:"port"`
	UseSSL       bool   `json:"use_ssl"`
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`

	PollIntervalSeconds int `json:"poll_interval_seconds"`
	// ResyncSchedule is a cron expression (or @every form) for the periodic
	// sweep over the recent-window mailbox, independent of UNSEEN polling.
	ResyncSchedule   string `json:"resync_schedule"`
	ResyncWindowDays int    `json:"resync_window_days"`
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		if c.UseSSL {
			c.Port = 993
		} else {
			c.Port = 143
		}
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 15
	}
	if strings.TrimSpace(c.ResyncSchedule) == "" {
		c.ResyncSchedule = "@every 60s"
	}
	if c.ResyncWindowDays <= 0 {
		c.ResyncWindowDays = 31
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("imap server is required")
	}
	if strings.TrimSpace(c.EmailAddress) == "" {
		return errors.New("email address is required")
	}
	if strings.TrimSpace(c.Password) == "" {
		return errors.New("password is required")
	}
	return nil
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
