// Package engage runs the scheduled background jobs: the idle-user
// re-engagement sweep and stale counter housekeeping.
package engage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/denvoros/aurabot/internal/config"
	"github.com/denvoros/aurabot/internal/errmon"
	"github.com/denvoros/aurabot/internal/llm"
	. "github.com/denvoros/aurabot/internal/logging"
	"github.com/denvoros/aurabot/internal/persona"
	"github.com/denvoros/aurabot/internal/pipeline"
	"github.com/denvoros/aurabot/internal/store"
)

// Service schedules and runs the background jobs.
type Service struct {
	cfg     config.EngageConfig
	store   *store.Store
	llm     llm.Client
	model   string
	sender  pipeline.Sender
	monitor *errmon.Monitor
	cron    *cron.Cron
}

// New builds the service. Call Start to begin scheduling.
func New(cfg config.EngageConfig, s *store.Store, client llm.Client, model string,
	sender pipeline.Sender, monitor *errmon.Monitor) *Service {
	return &Service{
		cfg:     cfg,
		store:   s,
		llm:     client,
		model:   model,
		sender:  sender,
		monitor: monitor,
		cron:    cron.New(),
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Service) Start() error {
	if s.cfg.Enabled {
		if _, err := s.cron.AddFunc(s.cfg.Schedule, s.sweepIdleUsers); err != nil {
			return fmt.Errorf("schedule engage sweep: %w", err)
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, s.purgeCounters); err != nil {
		return fmt.Errorf("schedule counter purge: %w", err)
	}
	s.cron.Start()
	L_info("engage: scheduler started", "sweep", s.cfg.Schedule, "purge", s.cfg.PurgeSchedule, "enabled", s.cfg.Enabled)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweepIdleUsers messages everyone idle past the threshold. Each user gets a
// persona-voiced nudge and their context resets to just that nudge, so the
// next exchange starts fresh.
func (s *Service) sweepIdleUsers() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.IdleThreshold)
	users, err := s.store.UsersIdleSince(ctx, cutoff)
	if err != nil {
		s.monitor.Report("engage_sweep_failure", err.Error(), 0)
		return
	}
	if len(users) == 0 {
		return
	}
	L_info("engage: sweeping idle users", "count", len(users), "idleSince", cutoff)

	for _, u := range users {
		if err := s.engageUser(ctx, u); err != nil {
			L_warn("engage: user nudge failed", "user", u.ID, "error", err)
		}
	}
}

func (s *Service) engageUser(ctx context.Context, u *store.UserRecord) error {
	p := persona.Get(u.Persona)

	genCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	text, err := s.llm.Complete(genCtx, []llm.Message{
		{Role: llm.RoleSystem, Content: p.RenderPrompt(u.Name)},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"%s hasn't written in over a day. Send one short, warm message to draw them back into the conversation. "+
				"Don't mention being away or apologize - just reach out naturally.", u.Name)},
	}, s.model)
	if err != nil {
		s.monitor.Report("engage_llm_failure", err.Error(), u.ID)
		return err
	}

	if err := s.sender.SendText(u.ID, text, p.Keyboard()); err != nil {
		// Most failures here are users who blocked the bot; stop nudging them.
		L_info("engage: marking user blocked", "user", u.ID, "error", err)
		return s.store.SetBlocked(ctx, u.ID, true)
	}

	u.ClearContext()
	u.AppendContext(store.RoleAssistant, text, 1)
	u.Touch()
	if err := s.store.SaveUser(ctx, u); err != nil {
		return err
	}
	return s.store.AppendMessage(ctx, u.ID, u.Persona, store.RoleAssistant, text)
}

// purgeCounters drops quota counter rows older than the retention window.
func (s *Service) purgeCounters() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	before := time.Now().Add(-s.cfg.CounterTTL)
	n, err := s.store.PurgeCounters(ctx, store.DayKey(before), store.MonthKey(before))
	if err != nil {
		s.monitor.Report("purge_failure", err.Error(), 0)
		return
	}
	if n > 0 {
		L_info("engage: purged stale counters", "rows", n)
	}
}
