// Package rules decides whether a comment may trigger a response.
package rules

import (
	"autodm/pkg/automation"
	"context"
	"fmt"
	"strings"
	"time"
)

// Window is the trailing period the rate limiter counts messages over.
const Window = time.Hour

// Matches reports whether the comment satisfies the automation's trigger keyword.
func Matches(a *automation.Automation, c automation.Comment) bool {
	keyword := strings.TrimSpace(a.TriggerKeyword)
	if strings.EqualFold(keyword, automation.AnyKeyword) {
		return true
	}
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(c.Text), strings.ToLower(keyword))
}

// Ledger is the read side of the dispatch ledger.
type Ledger interface {
	HasDispatch(ctx context.Context, automationID, recipient string) (bool, error)
	CountSentSince(ctx context.Context, automationID string, since time.Time) (int, error)
}

// Dedup suppresses a second response to a recipient already handled by an automation.
type Dedup struct {
	ledger Ledger
}

// NewDedup creates a dedup guard over the ledger.
func NewDedup(ledger Ledger) *Dedup {
	return &Dedup{ledger: ledger}
}

// AlreadyHandled reports whether any record, sent or failed, exists for the recipient.
func (d *Dedup) AlreadyHandled(ctx context.Context, automationID, recipient string) (bool, error) {
	found, err := d.ledger.HasDispatch(ctx, automationID, automation.NormalizeHandle(recipient))
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return found, nil
}

// Limiter enforces a rolling one-hour cap on messages sent per automation.
type Limiter struct {
	ledger Ledger
	now    func() time.Time
}

// NewLimiter creates a limiter. A nil clock uses time.Now.
func NewLimiter(ledger Ledger, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{ledger: ledger, now: now}
}

// WithinLimit reports whether fewer than ceiling messages went out in the trailing window.
// The window is recomputed on every call so it slides during a long pass.
func (l *Limiter) WithinLimit(ctx context.Context, automationID string, ceiling int) (bool, error) {
	since := l.now().Add(-Window)
	count, err := l.ledger.CountSentSince(ctx, automationID, since)
	if err != nil {
		return false, fmt.Errorf("count sent messages: %w", err)
	}
	return count < ceiling, nil
}
