package storage

import (
	"autodm/pkg/automation"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores the same documents as Store in relational tables.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to the database and creates the schema if needed.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			platform_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00',
			last_refreshed_at TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00',
			handle TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS automations (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			post_id TEXT NOT NULL DEFAULT '',
			trigger_keyword TEXT NOT NULL DEFAULT 'any',
			message TEXT NOT NULL DEFAULT '',
			opening_message TEXT NOT NULL DEFAULT '',
			button_text TEXT NOT NULL DEFAULT '',
			comment_reply TEXT NOT NULL DEFAULT '',
			branding_message TEXT NOT NULL DEFAULT '',
			rate_limit INT NOT NULL DEFAULT 10 CHECK (rate_limit > 0),
			sent_count INT NOT NULL DEFAULT 0,
			use_opening_message BOOLEAN NOT NULL DEFAULT FALSE,
			reply_to_comments BOOLEAN NOT NULL DEFAULT FALSE,
			add_branding BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_checked_at TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00',
			last_triggered_at TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00'
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			PRIMARY KEY (account_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch_records (
			id TEXT PRIMARY KEY,
			automation_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			comment_id TEXT NOT NULL,
			message TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			sent_at TIMESTAMPTZ NOT NULL,
			UNIQUE (automation_id, recipient, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS dispatch_records_window ON dispatch_records (automation_id, sent_at) WHERE status = 'sent'`,
	}

	for _, q := range queries {
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// SaveAccount upserts an account.
func (p *Postgres) SaveAccount(ctx context.Context, acct *automation.Account) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO accounts (id, platform_id, access_token, token_expires_at, last_refreshed_at, handle)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		 platform_id = $2, access_token = $3, token_expires_at = $4, last_refreshed_at = $5, handle = $6`,
		acct.ID, acct.PlatformID, acct.AccessToken, acct.TokenExpiresAt, acct.LastRefreshedAt, acct.Handle)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// LoadAccount loads an account by id.
func (p *Postgres) LoadAccount(ctx context.Context, id string) (*automation.Account, error) {
	var a automation.Account
	err := p.pool.QueryRow(ctx,
		`SELECT id, platform_id, access_token, token_expires_at, last_refreshed_at, handle
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.PlatformID, &a.AccessToken, &a.TokenExpiresAt, &a.LastRefreshedAt, &a.Handle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &a, nil
}

const automationColumns = `id, account_id, post_id, trigger_keyword, message, opening_message, button_text,
	comment_reply, branding_message, rate_limit, sent_count, use_opening_message, reply_to_comments,
	add_branding, active, last_checked_at, last_triggered_at`

func scanAutomation(row pgx.Row) (*automation.Automation, error) {
	var a automation.Automation
	err := row.Scan(&a.ID, &a.AccountID, &a.PostID, &a.TriggerKeyword, &a.Message, &a.OpeningMessage, &a.ButtonText,
		&a.CommentReply, &a.BrandingMessage, &a.RateLimit, &a.SentCount, &a.UseOpeningMessage, &a.ReplyToComments,
		&a.AddBranding, &a.Active, &a.LastCheckedAt, &a.LastTriggeredAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAutomation upserts an automation definition.
func (p *Postgres) SaveAutomation(ctx context.Context, a *automation.Automation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO automations (`+automationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		 account_id = $2, post_id = $3, trigger_keyword = $4, message = $5, opening_message = $6,
		 button_text = $7, comment_reply = $8, branding_message = $9, rate_limit = $10, sent_count = $11,
		 use_opening_message = $12, reply_to_comments = $13, add_branding = $14, active = $15,
		 last_checked_at = $16, last_triggered_at = $17`,
		a.ID, a.AccountID, a.PostID, a.TriggerKeyword, a.Message, a.OpeningMessage, a.ButtonText,
		a.CommentReply, a.BrandingMessage, a.Ceiling(), a.SentCount, a.UseOpeningMessage, a.ReplyToComments,
		a.AddBranding, a.Active, a.LastCheckedAt, a.LastTriggeredAt)
	if err != nil {
		return fmt.Errorf("save automation: %w", err)
	}
	return nil
}

// ListActiveAutomations lists every active automation, ordered by id.
func (p *Postgres) ListActiveAutomations(ctx context.Context) ([]*automation.Automation, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+automationColumns+` FROM automations WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var res []*automation.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AdvanceCheckpoint moves the checkpoint forward; it never moves backwards.
func (p *Postgres) AdvanceCheckpoint(ctx context.Context, automationID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE automations SET last_checked_at = GREATEST(last_checked_at, $2) WHERE id = $1`,
		automationID, at)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSent bumps the sent counter and last-triggered time.
func (p *Postgres) IncrementSent(ctx context.Context, automationID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE automations SET sent_count = sent_count + 1, last_triggered_at = GREATEST(last_triggered_at, $2)
		 WHERE id = $1`,
		automationID, at)
	if err != nil {
		return fmt.Errorf("increment sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePost upserts a post.
func (p *Postgres) SavePost(ctx context.Context, post *automation.Post) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO posts (id, account_id, remote_id) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, id) DO UPDATE SET remote_id = $3`,
		post.ID, post.AccountID, post.RemoteID)
	if err != nil {
		return fmt.Errorf("save post: %w", err)
	}
	return nil
}

// LoadPost loads a post owned by an account.
func (p *Postgres) LoadPost(ctx context.Context, accountID, postID string) (*automation.Post, error) {
	var post automation.Post
	err := p.pool.QueryRow(ctx,
		`SELECT id, account_id, remote_id FROM posts WHERE account_id = $1 AND id = $2`, accountID, postID).
		Scan(&post.ID, &post.AccountID, &post.RemoteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}
	return &post, nil
}

// ListPosts lists every post on file for an account.
func (p *Postgres) ListPosts(ctx context.Context, accountID string) ([]*automation.Post, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, account_id, remote_id FROM posts WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var res []*automation.Post
	for rows.Next() {
		var post automation.Post
		if err := rows.Scan(&post.ID, &post.AccountID, &post.RemoteID); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		res = append(res, &post)
	}
	return res, rows.Err()
}

// InsertDispatch inserts a ledger record unless its (automation, recipient, kind) is taken.
func (p *Postgres) InsertDispatch(ctx context.Context, rec *automation.DispatchRecord) error {
	rec.Recipient = automation.NormalizeHandle(rec.Recipient)
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO dispatch_records (id, automation_id, recipient, comment_id, message, kind, status, error, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (automation_id, recipient, kind) DO NOTHING`,
		rec.ID, rec.AutomationID, rec.Recipient, rec.CommentID, rec.Message, string(rec.Kind), string(rec.Status), rec.Error, rec.SentAt)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

// HasDispatch reports whether any record exists for the recipient under the automation.
func (p *Postgres) HasDispatch(ctx context.Context, automationID, recipient string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispatch_records WHERE automation_id = $1 AND recipient = $2)`,
		automationID, automation.NormalizeHandle(recipient)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query dispatch: %w", err)
	}
	return exists, nil
}

// CountSentSince counts sent direct and opening messages recorded after since.
func (p *Postgres) CountSentSince(ctx context.Context, automationID string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispatch_records
		 WHERE automation_id = $1 AND status = 'sent' AND kind IN ('direct', 'opening') AND sent_at > $2`,
		automationID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dispatches: %w", err)
	}
	return n, nil
}
