// Package automation contains the core domain types for the comment autoresponder.
package automation

import (
	"strings"
	"time"
)

const (
	// AnyKeyword is the trigger sentinel that matches every comment.
	AnyKeyword = "any"

	// DefaultRateLimit is the per-hour message ceiling used when an automation has none.
	DefaultRateLimit = 10
)

// Account is a connected social account and its access credential.
type Account struct {
	TokenExpiresAt  time.Time `json:"token_expires_at"`  // Zero when unknown
	LastRefreshedAt time.Time `json:"last_refreshed_at"` // When the token was last exchanged
	ID              string    `json:"id"`
	PlatformID      string    `json:"platform_id"` // Remote business account id
	AccessToken     string    `json:"access_token"`
	Handle          string    `json:"handle"`
}

// TokenExpired reports whether the token has a known expiry at or before now.
func (a *Account) TokenExpired(now time.Time) bool {
	return !a.TokenExpiresAt.IsZero() && !now.Before(a.TokenExpiresAt)
}

// Automation pairs a trigger on an account's comments with a response.
type Automation struct {
	LastCheckedAt     time.Time `json:"last_checked_at"`   // Checkpoint: comments after this are new
	LastTriggeredAt   time.Time `json:"last_triggered_at"` // Last successful message
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	PostID            string    `json:"post_id,omitempty"` // Empty means every post of the account
	TriggerKeyword    string    `json:"trigger_keyword"`
	Message           string    `json:"message"`
	OpeningMessage    string    `json:"opening_message,omitempty"`
	ButtonText        string    `json:"button_text,omitempty"`
	CommentReply      string    `json:"comment_reply,omitempty"`
	BrandingMessage   string    `json:"branding_message,omitempty"`
	RateLimit         int       `json:"rate_limit"`
	SentCount         int       `json:"sent_count"`
	UseOpeningMessage bool      `json:"use_opening_message"`
	ReplyToComments   bool      `json:"reply_to_comments"`
	AddBranding       bool      `json:"add_branding"`
	Active            bool      `json:"active"`
}

// AnyPost reports whether the automation watches every post of its account.
func (a *Automation) AnyPost() bool {
	return a.PostID == ""
}

// Ceiling returns the hourly message limit, falling back to DefaultRateLimit.
func (a *Automation) Ceiling() int {
	if a.RateLimit <= 0 {
		return DefaultRateLimit
	}
	return a.RateLimit
}

// Post is a monitored post owned by an account.
type Post struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	RemoteID  string `json:"remote_id"` // Media id on the remote platform
}

// Comment is a single comment fetched from a post. It is never persisted.
type Comment struct {
	Timestamp time.Time
	ID        string
	Text      string
	Username  string
}

// Kind is the type of a dispatch.
type Kind string

const (
	KindReply   Kind = "reply"
	KindDirect  Kind = "direct"
	KindOpening Kind = "opening"
)

// IsMessage reports whether the kind is a direct message rather than a public reply.
func (k Kind) IsMessage() bool {
	return k == KindDirect || k == KindOpening
}

// Status is the outcome of a dispatch.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// DispatchRecord is the append-only ledger entry for one send attempt.
type DispatchRecord struct {
	SentAt       time.Time `json:"sent_at"`
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id"`
	Recipient    string    `json:"recipient"` // Normalized handle
	CommentID    string    `json:"comment_id"`
	Message      string    `json:"message"`
	Kind         Kind      `json:"kind"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// NormalizeHandle case-folds a handle and strips a leading @ so ledger keys are stable.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
