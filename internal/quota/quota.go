// Package quota decides whether a user may send a message or generate an
// image this period. Checks and recordings are separate calls: two
// near-simultaneous messages can both pass a check before either records.
// That narrow over-allowance is accepted rather than paying for locking.
package quota

import (
	"context"
	"time"

	"github.com/denvoros/aurabot/internal/store"
)

// Gate is the quota decision layer over the state store counters.
type Gate struct {
	store        *store.Store
	dailyLimit   int
	monthlyLimit int
}

// New builds a gate with the configured free-tier and subscriber limits.
func New(s *store.Store, dailyLimit, monthlyLimit int) *Gate {
	return &Gate{store: s, dailyLimit: dailyLimit, monthlyLimit: monthlyLimit}
}

// DailyLimit returns the free-tier daily message limit.
func (g *Gate) DailyLimit() int { return g.dailyLimit }

// MonthlyLimit returns the subscriber monthly image limit.
func (g *Gate) MonthlyLimit() int { return g.monthlyLimit }

// CanSendMessage reports whether the user may send another message today.
// Subscribers always pass; free users pass while under the daily limit.
func (g *Gate) CanSendMessage(ctx context.Context, userID int64) (bool, error) {
	active, err := g.store.HasActiveSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	if active {
		return true, nil
	}
	count, err := g.store.DailyMessageCount(ctx, userID, store.DayKey(time.Now()))
	if err != nil {
		return false, err
	}
	return count < g.dailyLimit, nil
}

// CanGenerateImage reports whether the user may generate another image this
// month. Requires an active subscription; free users never pass.
func (g *Gate) CanGenerateImage(ctx context.Context, userID int64) (bool, error) {
	active, err := g.store.HasActiveSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	if !active {
		return false, nil
	}
	count, err := g.store.MonthlyImageCount(ctx, userID, store.MonthKey(time.Now()))
	if err != nil {
		return false, err
	}
	return count < g.monthlyLimit, nil
}

// RecordMessageSent bumps today's message counter and returns the new count.
func (g *Gate) RecordMessageSent(ctx context.Context, userID int64) (int, error) {
	return g.store.IncrementDailyMessages(ctx, userID, store.DayKey(time.Now()))
}

// RecordImageGenerated bumps this month's image counter and returns the new count.
func (g *Gate) RecordImageGenerated(ctx context.Context, userID int64) (int, error) {
	return g.store.IncrementMonthlyImages(ctx, userID, store.MonthKey(time.Now()))
}

// DailyUsage returns today's message count for status reporting.
func (g *Gate) DailyUsage(ctx context.Context, userID int64) (int, error) {
	return g.store.DailyMessageCount(ctx, userID, store.DayKey(time.Now()))
}

// MonthlyUsage returns this month's image count for status reporting.
func (g *Gate) MonthlyUsage(ctx context.Context, userID int64) (int, error) {
	return g.store.MonthlyImageCount(ctx, userID, store.MonthKey(time.Now()))
}
