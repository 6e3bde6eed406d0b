// Package token keeps account access tokens usable.
package token

import (
	"autodm/graph"
	"autodm/pkg/automation"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable means no working token could be obtained; the account is skipped for this run.
var ErrUnavailable = errors.New("token unavailable")

// API is the remote side of token validation.
type API interface {
	Probe(ctx context.Context, token string) error
	Refresh(ctx context.Context, token string) (*graph.Refreshed, error)
}

// Store persists refreshed credentials.
type Store interface {
	SaveAccount(ctx context.Context, acct *automation.Account) error
}

// Manager verifies and refreshes account tokens.
type Manager struct {
	api    API
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a token manager. A nil clock uses time.Now.
func New(api API, store Store, logger *slog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{api: api, store: store, logger: logger, now: now}
}

// Valid returns a working token for the account, refreshing it when the probe fails.
// The account is written at most once, and only after a successful refresh.
func (m *Manager) Valid(ctx context.Context, acct *automation.Account) (string, error) {
	if acct.AccessToken == "" {
		tokenChecks.WithLabelValues("missing").Inc()
		return "", fmt.Errorf("%w: account %s has no token", ErrUnavailable, acct.ID)
	}

	probeErr := m.api.Probe(ctx, acct.AccessToken)
	if probeErr == nil {
		tokenChecks.WithLabelValues("valid").Inc()
		return acct.AccessToken, nil
	}

	m.logger.Info("Token probe failed, refreshing",
		"account_id", acct.ID,
		"expired", acct.TokenExpired(m.now()),
		"error", probeErr)

	refreshed, err := m.api.Refresh(ctx, acct.AccessToken)
	if err != nil {
		tokenChecks.WithLabelValues("refresh_failed").Inc()
		m.logger.Warn("Token refresh failed", "account_id", acct.ID, "error", err)
		return "", fmt.Errorf("%w: refresh: %v", ErrUnavailable, err)
	}

	now := m.now()
	updated := *acct
	updated.AccessToken = refreshed.Token
	updated.TokenExpiresAt = now.Add(refreshed.TTL)
	updated.LastRefreshedAt = now

	if err := m.store.SaveAccount(ctx, &updated); err != nil {
		tokenChecks.WithLabelValues("persist_failed").Inc()
		return "", fmt.Errorf("save refreshed account: %w", err)
	}
	*acct = updated

	tokenChecks.WithLabelValues("refreshed").Inc()
	m.logger.Info("Token refreshed",
		"account_id", acct.ID,
		"expires_at", acct.TokenExpiresAt.Format(time.RFC3339))

	return acct.AccessToken, nil
}
