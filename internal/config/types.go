package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Accounts AccountsConfig `json:"accounts"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	Provider *ProviderConfig `json:"provider,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Report   *ReportConfig   `json:"report,omitempty"`
}

// AccountsConfig points at the directory of per-account .env profiles.
// The directory is watched; dropping a new profile in registers the
// account without a restart.
type AccountsConfig struct {
	Dir string `json:"dir"`
	// AutoStart launches every valid profile's worker on boot.
	AutoStart bool `json:"auto_start,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// DefaultChatID receives events for profiles without their own chat id,
	// plus fleet-level messages like periodic summaries.
	DefaultChatID int64 `json:"default_chat_id"`
	// SendTimeout is a Go duration string (e.g. "10s").
	SendTimeout string `json:"send_timeout,omitempty"`
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

// ProviderConfig tunes the cloud API client. Endpoint overrides the
// region-derived URL, mainly for testing against a stub.
type ProviderConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	// Timeout is a Go duration string per API call (default "30s").
	Timeout string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the attempt audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ocibot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "file" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReportConfig controls the periodic fleet status summary.
type ReportConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression (e.g. "0 */6 * * *"). Empty means every 6 hours.
	Schedule string `json:"schedule,omitempty"`
	// ChatID overrides telegram.default_chat_id for summaries.
	ChatID int64 `json:"chat_id,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks the fields that would otherwise only fail deep inside a
// component at runtime.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Accounts.Dir) == "" {
		errs = append(errs, errors.New("accounts.dir is required"))
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if p := c.Provider; p != nil {
		if _, err := ParseDurationField("provider.timeout", p.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if n := c.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s := c.Storage; s != nil {
		switch strings.TrimSpace(s.Driver) {
		case "", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
