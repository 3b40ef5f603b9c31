// Package errmon aggregates recurring runtime errors and forwards them to the
// operator channel with per-kind rate limiting, so a failing dependency shows
// up once per cooldown window instead of once per message.
package errmon

import (
	"fmt"
	"sync"
	"time"

	. "github.com/denvoros/aurabot/internal/logging"
)

// Alerter delivers an operator-facing alert. The session layer implements
// this over the admin chat.
type Alerter interface {
	Alert(text string) error
}

// Monitor counts errors per kind and alerts at most once per cooldown window
// for each kind. Safe for concurrent use.
type Monitor struct {
	alerter  Alerter
	cooldown time.Duration

	mu        sync.Mutex
	counts    map[string]int
	lastAlert map[string]time.Time
}

// New builds a monitor. A nil alerter disables delivery but keeps counting.
func New(alerter Alerter, cooldown time.Duration) *Monitor {
	if cooldown == 0 {
		cooldown = 5 * time.Minute
	}
	return &Monitor{
		alerter:   alerter,
		cooldown:  cooldown,
		counts:    make(map[string]int),
		lastAlert: make(map[string]time.Time),
	}
}

// Report records one occurrence of kind and alerts the operator if the
// cooldown for that kind has elapsed. userID may be 0 for errors without an
// originating user. Never blocks the caller on alert delivery problems.
func (m *Monitor) Report(kind, msg string, userID int64) {
	m.mu.Lock()
	m.counts[kind]++
	count := m.counts[kind]
	due := time.Since(m.lastAlert[kind]) >= m.cooldown
	if due {
		m.lastAlert[kind] = time.Now()
	}
	m.mu.Unlock()

	L_error("errmon: "+kind, "msg", msg, "user", userID, "total", count)

	if !due || m.alerter == nil {
		return
	}

	text := fmt.Sprintf("⚠️ %s\n%s\noccurrences: %d", kind, msg, count)
	if userID != 0 {
		text += fmt.Sprintf("\nuser: %d", userID)
	}
	if err := m.alerter.Alert(text); err != nil {
		L_warn("errmon: alert delivery failed", "kind", kind, "error", err)
	}
}

// Count returns the running total for kind.
func (m *Monitor) Count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[kind]
}

// Snapshot returns a copy of all per-kind totals.
func (m *Monitor) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
