// Package app wires the components together: config, logging, storage,
// the provider client, the notification pipeline and the worker supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ocibot/internal/account"
	"ocibot/internal/config"
	"ocibot/internal/loghub"
	"ocibot/internal/notify"
	"ocibot/internal/observability/pprof"
	"ocibot/internal/provider"
	"ocibot/internal/provider/oci"
	"ocibot/internal/report"
	"ocibot/internal/storage"
	"ocibot/internal/supervisor"
	"ocibot/internal/transport"
	"ocibot/internal/transport/telegram"
	"ocibot/internal/worker"
	"ocibot/pkg/logx"
)

type App struct {
	cfgm  *config.Manager
	log   logx.Logger
	logs  *logx.Service
	hub   *loghub.Hub
	store storage.Store
	notif *notify.Service
	prov  *oci.Client
	pprof *pprof.Service

	sup     *supervisor.Supervisor
	watcher *account.Watcher
	rep     *report.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("component", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logs,
		hub:  loghub.New(loghub.Config{}),
	}
	fail := func(err error) (*App, error) {
		logs.Close()
		return nil, err
	}

	// Chat delivery. Without a token the notifier runs against a nop
	// sender, so workers still function; they just notify no one.
	var sender transport.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := mapTelegramTimeout(cfg)
		if err != nil {
			return fail(err)
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Timeout: timeout},
			logs.Logger().With(logx.String("component", "telegram")))
		if err != nil {
			return fail(fmt.Errorf("telegram adapter: %w", err))
		}
		sender = ad
	} else {
		log.Warn("telegram token not set; notifications disabled")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if sender == nil {
		ncfg.Enabled = false
		sender = transport.SenderFunc(func(context.Context, transport.ChatTarget, string, *transport.SendOptions) error {
			return nil
		})
	}
	a.notif = notify.New(ncfg, sender, logs.Logger().With(logx.String("component", "notify")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if sc.Driver != "" {
		st, err := storage.Open(sc, logs.Logger().With(logx.String("component", "storage")))
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		if st != nil {
			a.store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	pc, err := mapProviderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.prov = oci.New(pc, logs.Logger().With(logx.String("component", "provider")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.pprof = pprof.New(ppc, logs.Logger().With(logx.String("component", "pprof")))

	return a, nil
}

// Supervisor exposes the worker registry for an embedding surface (status
// queries, manual start/stop). Nil until Start.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Logs exposes the per-account log hub for an embedding surface.
func (a *App) Logs() *loghub.Hub { return a.hub }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.notif.Start(runCtx)

	deps := worker.Deps{
		Provider: a.prov,
		Logs:     a.hub,
		Notify:   defaultChatSink{sink: a.notif, chatID: cfg.Telegram.DefaultChatID},
		Log:      a.logs.Logger(),
	}
	if a.store != nil {
		deps.Audit = &auditRecorder{store: a.store, log: a.log}
	}
	opts := []supervisor.Option{}
	if a.store != nil {
		opts = append(opts, supervisor.WithStateHook(a.persistTransition))
	}
	a.sup = supervisor.New(runCtx, deps, opts...)

	if a.store != nil {
		if states, err := a.store.WorkerStates(runCtx); err != nil {
			a.log.Warn("cannot read persisted worker states", logx.Err(err))
		} else {
			for _, st := range states {
				a.log.Info("previous run state",
					logx.String("account", st.AccountID),
					logx.String("state", st.State),
					logx.Int("attempts", st.Attempts))
			}
		}
	}

	// Register what is already in the accounts dir, then watch for changes.
	profiles, errs := account.LoadDir(cfg.Accounts.Dir)
	for _, err := range errs {
		a.log.Warn("skipping account profile", logx.Err(err))
	}
	a.applyProfiles(profiles, cfg.Accounts.AutoStart)

	a.watcher = account.NewWatcher(cfg.Accounts.Dir, a.logs.Logger().With(logx.String("component", "accounts")),
		func(ps []*account.Profile) { a.applyProfiles(ps, a.autoStart()) })
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.watcher.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error("accounts watcher stopped", logx.Err(err))
		}
	}()

	a.rep = report.New(mapReportConfig(cfg), a.sup, a.notif, a.logs.Logger())
	if err := a.rep.Start(runCtx); err != nil {
		return err
	}

	if err := a.pprof.Start(); err != nil {
		return err
	}

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error("config watcher stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started", logx.Int("accounts", len(profiles)))
	return nil
}

func (a *App) autoStart() bool {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.Accounts.AutoStart
	}
	return false
}

// applyProfiles reconciles the supervisor registry against a fresh scan of
// the accounts dir: new and changed profiles are (re)registered, profiles
// whose file disappeared are removed. Running workers keep the profile they
// started with; the change lands on their next restart.
func (a *App) applyProfiles(profiles []*account.Profile, autoStart bool) {
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		seen[p.ID] = true
		if err := a.sup.Add(p); err != nil {
			a.log.Debug("profile update deferred", logx.String("account", p.ID), logx.Err(err))
			continue
		}
		if autoStart {
			if err := a.sup.StartAccount(p.ID); err != nil {
				a.log.Debug("autostart skipped", logx.String("account", p.ID), logx.Err(err))
			}
		}
	}
	for _, st := range a.sup.StatusAll() {
		if !seen[st.ID] {
			if err := a.sup.Remove(st.ID); err != nil {
				a.log.Warn("cannot remove account with active worker; stop it first",
					logx.String("account", st.ID))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}
			a.applyReload(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "pprof":
			if ppc, err := mapPprofConfig(newCfg); err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
			} else {
				a.pprof.Reconfigure(ctx, ppc)
			}
		case "storage", "telegram", "notifier", "provider", "accounts", "report":
			// These hold connections or worker-visible state; swapping
			// them mid-flight is not supported.
			a.log.Warn("config section changed; restart required to take effect",
				logx.String("section", s))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	a.cancel()

	// One component must not stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	if a.rep != nil {
		step("report", time.Second, func(context.Context) error { a.rep.Stop(); return nil })
	}
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Close(c) })
	step("notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("background loops did not exit in time")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// defaultChatSink fills in the fleet-wide chat id for events from profiles
// that did not set their own.
type defaultChatSink struct {
	sink   notify.Sink
	chatID int64
}

func (d defaultChatSink) Notify(e notify.Event) {
	if e.ChatID == 0 {
		e.ChatID = d.chatID
	}
	d.sink.Notify(e)
}

// auditRecorder adapts the storage backend to the worker's attempt
// callback. Append failures are logged, never surfaced to the worker.
type auditRecorder struct {
	store storage.Store
	log   logx.Logger
}

func (r *auditRecorder) RecordAttempt(accountID, domain string, attempt int, outcome provider.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec := storage.AttemptRecord{
		At:         time.Now(),
		AccountID:  accountID,
		Domain:     domain,
		Attempt:    attempt,
		Class:      outcome.Class.String(),
		ResourceID: outcome.ResourceID,
		Reason:     outcome.Reason,
	}
	if err := r.store.AppendAttempt(ctx, rec); err != nil {
		r.log.Warn("audit append failed", logx.String("account", accountID), logx.Err(err))
	}
}

// persistTransition mirrors worker state changes into storage so a restart
// can show where each account left off.
func (a *App) persistTransition(t worker.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.store.PutWorkerState(ctx, storage.WorkerState{
		AccountID:  t.AccountID,
		State:      t.State.String(),
		Attempts:   t.Attempts,
		Interval:   t.Interval,
		LastError:  t.LastError,
		ResourceID: t.ResourceID,
		UpdatedAt:  t.At,
	})
	if err != nil {
		a.log.Warn("state persist failed", logx.String("account", t.AccountID), logx.Err(err))
	}
}
