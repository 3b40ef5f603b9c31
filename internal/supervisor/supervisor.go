// Package supervisor is the outer process guardian: it re-execs the bot as a
// subprocess and restarts it according to its exit code, so the bot process
// itself can bail out of unrecoverable states and count on coming back.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	. "github.com/denvoros/aurabot/internal/logging"
)

// ExitRestartRequested is the bot's "restart me" exit code. The bot uses it
// for resource exhaustion, where a fresh process is the fix.
const ExitRestartRequested = 42

const (
	cleanRestartDelay     = 10 * time.Second // exit 0: polite pause, then back up
	requestedRestartDelay = 5 * time.Second  // exit 42: the bot wants right back in
	initialBackoff        = 5 * time.Second
	maxBackoff            = 5 * time.Minute
	healthyThreshold      = 5 * time.Minute // runs longer than this reset crash backoff
	tailLines             = 50              // output lines kept for the crash log
)

// State is the guardian's persisted view of itself (supervisor.json).
type State struct {
	PID          int        `json:"pid"`
	BotPID       int        `json:"bot_pid,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	RestartCount int        `json:"restart_count"`
	CrashCount   int        `json:"crash_count"`
	LastCrashAt  *time.Time `json:"last_crash_at,omitempty"`
}

// Supervisor runs the bot subprocess in a restart loop.
type Supervisor struct {
	dataDir string
	binary  string
	args    []string

	state   State
	stateMu sync.Mutex

	cmd   *exec.Cmd
	cmdMu sync.Mutex

	tail *CircularBuffer

	stopCh  chan struct{}
	stopped bool
}

// New creates a supervisor that re-execs the current binary with "run".
func New(dataDir string, args []string) *Supervisor {
	binary, _ := os.Executable()
	return &Supervisor{
		dataDir: dataDir,
		binary:  binary,
		args:    args,
		tail:    NewCircularBuffer(tailLines),
		stopCh:  make(chan struct{}),
	}
}

// Run drives the restart loop until a shutdown signal arrives.
func (s *Supervisor) Run() error {
	s.state = State{PID: os.Getpid(), StartedAt: time.Now()}
	s.saveState()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		L_info("supervisor: received shutdown signal")
		s.Stop()
	}()

	L_info("supervisor: started", "pid", s.state.PID)

	backoff := initialBackoff

	for {
		select {
		case <-s.stopCh:
			L_info("supervisor: stopping")
			return nil
		default:
		}

		startTime := time.Now()
		exitCode, err := s.runBot()
		runDuration := time.Since(startTime)

		select {
		case <-s.stopCh:
			L_info("supervisor: bot stopped for shutdown")
			return nil
		default:
		}

		var delay time.Duration
		switch exitCode {
		case 0:
			// The bot treats a clean exit as transient too; keep it running.
			delay = cleanRestartDelay
			L_info("supervisor: bot exited cleanly, restarting", "ran_for", runDuration, "delay", delay)
		case ExitRestartRequested:
			delay = requestedRestartDelay
			L_info("supervisor: bot requested restart", "ran_for", runDuration, "delay", delay)
		default:
			s.recordCrash(startTime, runDuration, exitCode, err)
			if runDuration > healthyThreshold {
				backoff = initialBackoff
			}
			delay = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			L_error("supervisor: bot crashed", "exit_code", exitCode, "ran_for", runDuration, "delay", delay)
		}

		s.stateMu.Lock()
		s.state.RestartCount++
		s.stateMu.Unlock()
		s.saveState()

		select {
		case <-s.stopCh:
			L_info("supervisor: stopping during restart delay")
			return nil
		case <-time.After(delay):
		}
	}
}

// Stop signals shutdown and forwards SIGTERM to the bot subprocess.
func (s *Supervisor) Stop() {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)

	if s.cmd != nil && s.cmd.Process != nil {
		L_debug("supervisor: forwarding SIGTERM to bot", "pid", s.cmd.Process.Pid)
		s.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// runBot spawns one bot subprocess and waits for it to exit.
func (s *Supervisor) runBot() (int, error) {
	s.tail.Reset()

	args := append([]string{"run"}, s.args...)
	cmd := exec.Command(s.binary, args...)

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()

	s.cmdMu.Lock()
	s.cmd = cmd
	s.cmdMu.Unlock()

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start bot: %w", err)
	}

	s.stateMu.Lock()
	s.state.BotPID = cmd.Process.Pid
	s.stateMu.Unlock()
	s.saveState()

	L_info("supervisor: bot started", "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go s.captureOutput(stdout, &wg)
	go s.captureOutput(stderr, &wg)

	err := cmd.Wait()
	wg.Wait()

	s.cmdMu.Lock()
	s.cmd = nil
	s.cmdMu.Unlock()

	s.stateMu.Lock()
	s.state.BotPID = 0
	s.stateMu.Unlock()
	s.saveState()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return exitCode, err
}

// captureOutput mirrors subprocess output to our stdout while keeping the
// tail for crash logging.
func (s *Supervisor) captureOutput(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.tail.Write(line)
		fmt.Println(line)
	}
}

// recordCrash bumps the crash counter and appends a crash.log entry with the
// tail of the bot's output.
func (s *Supervisor) recordCrash(startTime time.Time, duration time.Duration, exitCode int, err error) {
	s.stateMu.Lock()
	s.state.CrashCount++
	now := time.Now()
	s.state.LastCrashAt = &now
	crashCount := s.state.CrashCount
	s.stateMu.Unlock()
	s.saveState()

	f, openErr := os.OpenFile(filepath.Join(s.dataDir, "crash.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if openErr != nil {
		L_error("supervisor: failed to open crash.log", "error", openErr)
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "\n=== CRASH %s ===\n", startTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(f, "Crash #:   %d (this session)\n", crashCount)
	fmt.Fprintf(f, "Ran for:   %s\n", duration.Round(time.Second))
	fmt.Fprintf(f, "Exit code: %d\n", exitCode)
	if err != nil {
		fmt.Fprintf(f, "Error:     %s\n", err)
	}
	fmt.Fprintf(f, "Last %d lines of output:\n---\n", tailLines)
	for _, line := range s.tail.Lines() {
		fmt.Fprintln(f, line)
	}
	fmt.Fprintln(f, "---")
}

// saveState persists supervisor state to supervisor.json.
func (s *Supervisor) saveState() {
	s.stateMu.Lock()
	state := s.state
	s.stateMu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		L_error("supervisor: failed to marshal state", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, "supervisor.json"), data, 0600); err != nil {
		L_error("supervisor: failed to write state", "error", err)
	}
}

// LoadState reads supervisor state from supervisor.json.
func LoadState(dataDir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "supervisor.json"))
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
