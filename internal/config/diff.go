package config

import (
	"reflect"
	"sort"
	"strings"

	"ocibot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens) never appear in attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs,
			logx.String("accounts.dir", strings.TrimSpace(newCfg.Accounts.Dir)),
			logx.Bool("accounts.auto_start", newCfg.Accounts.AutoStart),
		)
	}

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.SendTimeout) != strings.TrimSpace(newCfg.Telegram.SendTimeout) ||
		oldCfg.Telegram.DefaultChatID != newCfg.Telegram.DefaultChatID ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.default_chat_set", newCfg.Telegram.DefaultChatID != 0),
			logx.String("telegram.send_timeout", strings.TrimSpace(newCfg.Telegram.SendTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	o, n := oldCfg.Pprof, newCfg.Pprof
	o.Token, n.Token = "", ""
	if !reflect.DeepEqual(o, n) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	if !sectionEqual(oldCfg.Provider, newCfg.Provider) {
		changed = append(changed, "provider")
		np := deref(newCfg.Provider)
		attrs = append(attrs,
			logx.Bool("provider.endpoint_override", strings.TrimSpace(np.Endpoint) != ""),
			logx.String("provider.timeout", strings.TrimSpace(np.Timeout)),
		)
	}

	if !sectionEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		nn := deref(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	if !sectionEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		ns := deref(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
		)
	}

	if !sectionEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		nr := deref(newCfg.Report)
		attrs = append(attrs,
			logx.Bool("report.enabled", nr.Enabled),
			logx.String("report.schedule", strings.TrimSpace(nr.Schedule)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// sectionEqual compares optional sections where nil means "use defaults".
func sectionEqual[T comparable](a, b *T) bool {
	return deref(a) == deref(b) && (a == nil) == (b == nil)
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
