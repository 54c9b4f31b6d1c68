package app

import (
	"time"

	"ocibot/internal/config"
	"ocibot/internal/notify"
	"ocibot/internal/observability/pprof"
	"ocibot/internal/provider/oci"
	"ocibot/internal/report"
	"ocibot/internal/storage"
)

// The map* helpers translate the serialized config sections into component
// configs, parsing duration strings. Validation already ran in
// config.Validate, so parse errors here mean a bug, not bad input; they are
// still returned rather than swallowed.

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	out := notify.Config{Enabled: true}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	out = notify.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return out, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapProviderConfig(cfg *config.Config) (oci.Config, error) {
	pc := cfg.Provider
	if pc == nil {
		return oci.Config{}, nil
	}
	timeout, err := config.ParseDurationField("provider.timeout", pc.Timeout)
	if err != nil {
		return oci.Config{}, err
	}
	return oci.Config{Endpoint: pc.Endpoint, Timeout: timeout}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout); err != nil {
		return out, err
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 5 * time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 60 * time.Second
	}
	return out, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	rc := cfg.Report
	if rc == nil {
		return report.Config{}
	}
	chatID := rc.ChatID
	if chatID == 0 {
		chatID = cfg.Telegram.DefaultChatID
	}
	return report.Config{Enabled: rc.Enabled, Schedule: rc.Schedule, ChatID: chatID}
}

func mapTelegramTimeout(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = 10 * time.Second
	}
	return d, nil
}
