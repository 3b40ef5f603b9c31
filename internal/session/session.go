// Package session owns the Telegram connection: it starts the long-poll
// stream, watches its health, and restarts the stream in place when it goes
// quiet. Outbound sends go through the session so the rest of the bot never
// holds a reference to a connection that a restart just replaced.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	tele "gopkg.in/telebot.v4"

	"github.com/denvoros/aurabot/internal/commands"
	"github.com/denvoros/aurabot/internal/config"
	. "github.com/denvoros/aurabot/internal/logging"
)

// Session states.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateRestarting
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// ErrRestartRequested asks the process supervisor for a clean re-exec. The
// run command maps it to the dedicated exit code.
var ErrRestartRequested = errors.New("process restart requested")

// ErrRestartBudget means in-place stream restarts kept failing and the
// session gave up.
var ErrRestartBudget = errors.New("stream restart budget exhausted")

// Supervisor owns the bot connection and its health loop.
type Supervisor struct {
	cfg    config.TelegramConfig
	wd     config.WatchdogConfig
	router *commands.Router

	mu  sync.RWMutex
	bot *tele.Bot

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nano of last inbound update or poll probe success
	restarts     int

	// probeFn is the liveness check watch() runs each tick. Defaults to the
	// getMe probe against the live bot.
	probeFn func() error
}

// New builds an unstarted session supervisor. SetRouter must be called before Run.
func New(cfg config.TelegramConfig, wd config.WatchdogConfig) *Supervisor {
	s := &Supervisor{cfg: cfg, wd: wd}
	s.probeFn = s.probe
	s.state.Store(int32(StateStopped))
	s.touch()
	return s
}

// SetRouter attaches the dispatch table. Separate from New because the router
// sends through the session.
func (s *Supervisor) SetRouter(r *commands.Router) { s.router = r }

// State returns the current session state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		L_info("session: state change", "from", old.String(), "to", st.String())
	}
}

func (s *Supervisor) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Supervisor) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Run starts the stream and blocks until ctx is canceled or the session gives
// up. A returned ErrRestartRequested means the caller should exit with the
// restart code so the process supervisor re-execs us.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setState(StateStarting)
		if err := s.startStream(); err != nil {
			s.restarts++
			if s.restarts > s.wd.RestartBudget {
				s.setState(StateFatal)
				return fmt.Errorf("%w: %v", ErrRestartBudget, err)
			}
			L_error("session: stream start failed", "attempt", s.restarts, "error", err)
			select {
			case <-time.After(s.wd.StreamGrace):
			case <-ctx.Done():
				s.setState(StateStopped)
				return nil
			}
			continue
		}

		s.setState(StateRunning)
		s.touch()

		verdict := s.watch(ctx)
		s.stopStream()

		switch verdict {
		case verdictShutdown:
			s.setState(StateStopped)
			return nil
		case verdictReexec:
			s.setState(StateStopped)
			return ErrRestartRequested
		case verdictRestart:
			s.restarts++
			if s.restarts > s.wd.RestartBudget {
				s.setState(StateFatal)
				return ErrRestartBudget
			}
			s.setState(StateRestarting)
			L_warn("session: restarting stream", "attempt", s.restarts, "budget", s.wd.RestartBudget)
			select {
			case <-time.After(s.wd.StreamGrace):
			case <-ctx.Done():
				s.setState(StateStopped)
				return nil
			}
		}
	}
}

// startStream builds a fresh bot, clears any stale webhook and begins polling.
func (s *Supervisor) startStream() error {
	// Synchronous keeps updates in delivery order; handlers only enqueue, so
	// they never hold up the poll loop.
	b, err := tele.NewBot(tele.Settings{
		Token:       s.cfg.BotToken,
		Poller:      &tele.LongPoller{Timeout: 10 * time.Second},
		Synchronous: true,
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	// A leftover webhook starves the long poller; drop it along with any
	// backlog accumulated while we were down.
	if _, err := b.Raw("deleteWebhook", map[string]bool{"drop_pending_updates": true}); err != nil {
		L_warn("session: deleteWebhook failed", "error", err)
	}

	b.Handle(tele.OnText, func(c tele.Context) error {
		s.touch()
		in := commands.Inbound{
			UserID:   c.Sender().ID,
			Username: c.Sender().Username,
			Name:     c.Sender().FirstName,
			Text:     c.Text(),
		}
		if c.Message() != nil {
			in.Payload = c.Message().Payload
		}
		if err := s.router.Handle(context.Background(), in); err != nil {
			L_error("session: handler failed", "user", in.UserID, "error", err)
		}
		return nil
	})

	s.mu.Lock()
	s.bot = b
	s.mu.Unlock()

	go b.Start()
	L_info("session: stream started", "bot", b.Me.Username)
	return nil
}

func (s *Supervisor) stopStream() {
	s.mu.Lock()
	b := s.bot
	s.bot = nil
	s.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

type verdict int

const (
	verdictShutdown verdict = iota
	verdictRestart
	verdictReexec
)

// watch probes the connection until a restart is warranted or ctx ends. The
// stream restarts when the update stream has been silent past the threshold
// AND probes keep failing, or unconditionally after enough consecutive
// failures. Resource exhaustion escalates to a full process re-exec.
func (s *Supervisor) watch(ctx context.Context) verdict {
	ticker := time.NewTicker(s.wd.ProbeInterval)
	defer ticker.Stop()

	failures := 0
	healthySince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return verdictShutdown
		case <-ticker.C:
		}

		if exhausted, why := s.resourcesExhausted(); exhausted {
			L_error("session: resource exhaustion", "reason", why)
			return verdictReexec
		}

		if err := s.probeFn(); err != nil {
			failures++
			s.setState(StateDegraded)
			L_warn("session: probe failed", "consecutive", failures, "silence", s.sinceActivity(), "error", err)
		} else {
			if failures > 0 {
				L_info("session: probe recovered", "afterFailures", failures)
				healthySince = time.Now()
			}
			failures = 0
			s.setState(StateRunning)
		}

		// A long healthy stretch earns the restart budget back.
		if failures == 0 && time.Since(healthySince) > 10*s.wd.ProbeInterval {
			s.restarts = 0
		}

		silent := s.sinceActivity() > s.wd.SilenceThreshold
		if (silent && failures >= s.wd.ProbeFailures) || failures >= s.wd.HardFailures {
			L_error("session: stream unhealthy", "silent", silent, "consecutiveFailures", failures)
			return verdictRestart
		}
	}
}

// probe issues a getMe with its own short deadline. Success also counts as
// activity: a reachable API with no updates is idle, not dead.
func (s *Supervisor) probe() error {
	s.mu.RLock()
	b := s.bot
	s.mu.RUnlock()
	if b == nil {
		return errors.New("no active stream")
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Raw("getMe", nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		s.touch()
		return nil
	case <-time.After(s.wd.ProbeTimeout):
		return errors.New("getMe probe timed out")
	}
}

// resourcesExhausted checks our own process for leaked connections or runaway
// memory. Either one means in-place restarts won't help; re-exec instead.
func (s *Supervisor) resourcesExhausted() (bool, string) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return false, ""
	}

	if conns, err := p.Connections(); err == nil && len(conns) > s.wd.MaxConnections {
		return true, fmt.Sprintf("%d open connections (limit %d)", len(conns), s.wd.MaxConnections)
	}
	if mem, err := p.MemoryInfo(); err == nil && mem.RSS > s.wd.MaxRSSBytes {
		return true, fmt.Sprintf("rss %d bytes (limit %d)", mem.RSS, s.wd.MaxRSSBytes)
	}
	return false, ""
}
