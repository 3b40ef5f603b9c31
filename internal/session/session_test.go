package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/denvoros/aurabot/internal/config"
)

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateDegraded, "degraded"},
		{StateRestarting, "restarting"},
		{StateFatal, "fatal"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewStartsStopped(t *testing.T) {
	s := New(config.TelegramConfig{}, config.WatchdogConfig{})
	if s.State() != StateStopped {
		t.Errorf("initial state = %s", s.State())
	}
}

func TestActivityTracking(t *testing.T) {
	s := New(config.TelegramConfig{}, config.WatchdogConfig{})

	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	if got := s.sinceActivity(); got < 59*time.Minute {
		t.Errorf("silence = %v, want ~1h", got)
	}

	s.touch()
	if got := s.sinceActivity(); got > time.Second {
		t.Errorf("silence after touch = %v", got)
	}
}

func TestProbeWithoutStream(t *testing.T) {
	s := New(config.TelegramConfig{}, config.WatchdogConfig{ProbeTimeout: time.Second})
	if err := s.probe(); err == nil {
		t.Fatal("probe should fail with no active stream")
	}
}

func TestSendWithoutStream(t *testing.T) {
	s := New(config.TelegramConfig{}, config.WatchdogConfig{})
	if err := s.SendText(1, "hi", nil); err == nil {
		t.Fatal("send should fail with no active stream")
	}
	if err := s.Typing(1); err == nil {
		t.Fatal("typing should fail with no active stream")
	}
}

func TestAlertWithoutAdminChatIsNoop(t *testing.T) {
	s := New(config.TelegramConfig{}, config.WatchdogConfig{})
	if err := s.Alert("something broke"); err != nil {
		t.Fatalf("alert with no admin chat: %v", err)
	}
}

func TestReplyKeyboardLayout(t *testing.T) {
	if mk := replyKeyboard(nil); mk != nil {
		t.Error("empty labels should yield nil markup")
	}

	mk := replyKeyboard([]string{"a", "b", "c"})
	if mk == nil {
		t.Fatal("nil markup for labels")
	}
	if len(mk.ReplyKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(mk.ReplyKeyboard))
	}
	if len(mk.ReplyKeyboard[0]) != 2 || len(mk.ReplyKeyboard[1]) != 1 {
		t.Errorf("row sizes = %d, %d", len(mk.ReplyKeyboard[0]), len(mk.ReplyKeyboard[1]))
	}
	if !mk.ResizeKeyboard {
		t.Error("keyboard should resize")
	}
}

// watchConfig returns a watchdog tuned for fast test ticks, with resource
// limits our own test process can't trip.
func watchConfig(interval time.Duration) config.WatchdogConfig {
	return config.WatchdogConfig{
		ProbeInterval:    interval,
		ProbeTimeout:     time.Second,
		SilenceThreshold: time.Hour,
		ProbeFailures:    3,
		HardFailures:     5,
		RestartBudget:    5,
		MaxConnections:   100000,
		MaxRSSBytes:      1 << 40,
	}
}

func TestWatchRestartsSilentStreamAfterFailedProbes(t *testing.T) {
	wd := watchConfig(2 * time.Millisecond)
	s := New(config.TelegramConfig{}, wd)

	// The stream has been quiet well past the threshold, and every probe fails.
	s.lastActivity.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	calls := 0
	s.probeFn = func() error {
		calls++
		return errors.New("getMe unreachable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if v := s.watch(ctx); v != verdictRestart {
		t.Fatalf("verdict = %d, want restart", v)
	}
	if calls != wd.ProbeFailures {
		t.Errorf("probe calls = %d, want %d", calls, wd.ProbeFailures)
	}
	if s.State() != StateDegraded {
		t.Errorf("state = %s, want degraded", s.State())
	}
}

func TestWatchHardFailureLimitIgnoresActivity(t *testing.T) {
	wd := watchConfig(2 * time.Millisecond)
	s := New(config.TelegramConfig{}, wd)

	// Recent activity keeps the silence rule out of play; only the hard
	// consecutive-failure limit can trigger.
	calls := 0
	s.probeFn = func() error {
		s.touch()
		calls++
		return errors.New("getMe unreachable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if v := s.watch(ctx); v != verdictRestart {
		t.Fatalf("verdict = %d, want restart", v)
	}
	if calls != wd.HardFailures {
		t.Errorf("probe calls = %d, want %d", calls, wd.HardFailures)
	}
}

func TestWatchProbeRecoveryResetsFailureCount(t *testing.T) {
	wd := watchConfig(2 * time.Millisecond)
	wd.HardFailures = 3
	s := New(config.TelegramConfig{}, wd)

	// Two failures, then recovery. Without the reset a third tick would hit
	// the hard limit; instead the loop keeps running until shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	s.probeFn = func() error {
		calls++
		if calls <= 2 {
			return errors.New("getMe unreachable")
		}
		if calls >= 6 {
			cancel()
		}
		return nil
	}

	if v := s.watch(ctx); v != verdictShutdown {
		t.Fatalf("verdict = %d, want shutdown", v)
	}
	if s.State() != StateRunning {
		t.Errorf("state = %s, want running after recovery", s.State())
	}
}

func TestWatchHealthyStretchRestoresRestartBudget(t *testing.T) {
	wd := watchConfig(2 * time.Millisecond)
	s := New(config.TelegramConfig{}, wd)
	s.restarts = 3

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.probeFn = func() error {
		if time.Since(start) > 12*wd.ProbeInterval {
			cancel()
		}
		return nil
	}

	if v := s.watch(ctx); v != verdictShutdown {
		t.Fatalf("verdict = %d, want shutdown", v)
	}
	if s.restarts != 0 {
		t.Errorf("restarts = %d, want 0 after healthy stretch", s.restarts)
	}
}

func TestWatchReexecOnResourceExhaustion(t *testing.T) {
	wd := watchConfig(2 * time.Millisecond)
	wd.MaxRSSBytes = 1
	s := New(config.TelegramConfig{}, wd)

	calls := 0
	s.probeFn = func() error {
		calls++
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if v := s.watch(ctx); v != verdictReexec {
		t.Fatalf("verdict = %d, want reexec", v)
	}
	if calls != 0 {
		t.Errorf("probe ran %d times after exhaustion check", calls)
	}
}

func TestResourceLimits(t *testing.T) {
	// Generous limits: our own test process must pass.
	s := New(config.TelegramConfig{}, config.WatchdogConfig{
		MaxConnections: 100000,
		MaxRSSBytes:    1 << 40,
	})
	if exhausted, why := s.resourcesExhausted(); exhausted {
		t.Errorf("resources reported exhausted: %s", why)
	}

	// A zero connection limit trips immediately on any open socket, and a
	// 1-byte RSS cap trips regardless.
	s = New(config.TelegramConfig{}, config.WatchdogConfig{
		MaxConnections: 100000,
		MaxRSSBytes:    1,
	})
	if exhausted, _ := s.resourcesExhausted(); !exhausted {
		t.Error("1-byte rss cap should report exhaustion")
	}
}
