// Package report sends periodic fleet status summaries through the
// notification pipeline.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ocibot/internal/notify"
	"ocibot/internal/supervisor"
	"ocibot/internal/worker"
	"ocibot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Schedule is a cron expression. Empty means "0 */6 * * *".
	Schedule string
	// ChatID receives the summary.
	ChatID int64
}

// Service renders a compact status line per account on a cron schedule.
type Service struct {
	cfg  Config
	sup  *supervisor.Supervisor
	sink notify.Sink
	log  logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, sup *supervisor.Supervisor, sink notify.Sink, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "0 */6 * * *"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sup:    sup,
		sink:   sink,
		log:    log.With(logx.String("component", "report")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	sched, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("report schedule %q: %w", s.cfg.Schedule, err)
	}
	s.c = cron.New(cron.WithParser(s.parser))
	s.c.Schedule(sched, cron.FuncJob(s.send))
	s.c.Start()
	s.log.Info("fleet report scheduled", logx.String("schedule", s.cfg.Schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}

func (s *Service) send() {
	msg := Render(s.sup.StatusAll())
	s.sink.Notify(notify.Event{
		ChatID:  s.cfg.ChatID,
		Kind:    notify.EventSummary,
		Message: msg,
	})
}

// Render formats a fleet summary. Exposed so an on-demand status command
// can reuse the same output.
func Render(statuses []supervisor.AccountStatus) string {
	var b strings.Builder
	b.WriteString("📋 Fleet status\n")
	if len(statuses) == 0 {
		b.WriteString("no accounts registered")
		return b.String()
	}
	counts := map[worker.State]int{}
	for _, st := range statuses {
		counts[st.State]++
		icon := stateIcon(st.State)
		fmt.Fprintf(&b, "%s %s: %s", icon, st.Name, st.State)
		if st.State == worker.StateRunning {
			fmt.Fprintf(&b, " (attempt %d, interval %s)", st.Attempts, st.Interval.Round(time.Second))
		}
		if st.ResourceID != "" {
			fmt.Fprintf(&b, " id=%s", st.ResourceID)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Total: %d running, %d succeeded, %d failed, %d idle/stopped",
		counts[worker.StateRunning]+counts[worker.StateStopping],
		counts[worker.StateSucceeded],
		counts[worker.StateFailedFatal],
		counts[worker.StateIdle]+counts[worker.StateStopped])
	return b.String()
}

func stateIcon(s worker.State) string {
	switch s {
	case worker.StateRunning, worker.StateStopping:
		return "🔄"
	case worker.StateSucceeded:
		return "✅"
	case worker.StateFailedFatal:
		return "❌"
	default:
		return "⏸"
	}
}
