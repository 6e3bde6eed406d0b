// Package poll runs every active automation once: fetch new comments, evaluate them and dispatch responses.
package poll

import (
	"autodm/dispatch"
	"autodm/graph"
	"autodm/pkg/automation"
	"autodm/rules"
	"autodm/storage"
	"autodm/token"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store interface for automation state.
type Store interface {
	ListActiveAutomations(ctx context.Context) ([]*automation.Automation, error)
	LoadAccount(ctx context.Context, id string) (*automation.Account, error)
	LoadPost(ctx context.Context, accountID, postID string) (*automation.Post, error)
	ListPosts(ctx context.Context, accountID string) ([]*automation.Post, error)
	AdvanceCheckpoint(ctx context.Context, automationID string, at time.Time) error
}

// TokenSource yields a working access token for an account.
type TokenSource interface {
	Valid(ctx context.Context, acct *automation.Account) (string, error)
}

// CommentSource fetches comments newer than since for one remote post.
// A truncated fetch returns the comments it has along with an error wrapping graph.ErrTruncated.
type CommentSource interface {
	FetchComments(ctx context.Context, token, remotePostID string, since time.Time) ([]automation.Comment, error)
}

// Dispatcher sends the reply and message for a matched comment.
type Dispatcher interface {
	Dispatch(ctx context.Context, acct *automation.Account, token string, a *automation.Automation, c automation.Comment) (dispatch.Outcome, error)
}

// Deduper reports whether a recipient was already handled by an automation.
type Deduper interface {
	AlreadyHandled(ctx context.Context, automationID, recipient string) (bool, error)
}

// RateLimiter reports whether an automation may send another message.
type RateLimiter interface {
	WithinLimit(ctx context.Context, automationID string, ceiling int) (bool, error)
}

// CommentResult is what happened to a single comment.
type CommentResult string

const (
	CommentNoMatch      CommentResult = "no_match"
	CommentOwn          CommentResult = "own_comment"
	CommentDeduplicated CommentResult = "deduplicated"
	CommentRateLimited  CommentResult = "rate_limited"
	CommentSent         CommentResult = "sent"
	CommentSendFailed   CommentResult = "send_failed"
	CommentLookupFailed CommentResult = "lookup_failed"
	CommentDuplicate    CommentResult = "duplicate"
)

// Status is the overall result of one automation pass.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// AutomationResult summarizes one automation pass.
type AutomationResult struct {
	Comments      map[CommentResult]int `json:"comments,omitempty"`
	AutomationID  string                `json:"automation_id"`
	Status        Status                `json:"status"`
	Reason        string                `json:"reason,omitempty"`
	PostsChecked  int                   `json:"posts_checked"`
	FetchFailures int                   `json:"fetch_failures,omitempty"`
	Truncated     int                   `json:"truncated,omitempty"`
	Checkpointed  bool                  `json:"checkpointed"`
}

// Summary is the report of one run.
type Summary struct {
	StartedAt            time.Time          `json:"started_at"`
	Automations          []AutomationResult `json:"automations"`
	Duration             time.Duration      `json:"duration_ns"`
	AutomationsProcessed int                `json:"automations_processed"`
	AutomationsFailed    int                `json:"automations_failed"`
	AutomationsSkipped   int                `json:"automations_skipped"`
	CommentsProcessed    int                `json:"comments_processed"`
	MessagesSent         int                `json:"messages_sent"`
}

func (s *Summary) add(r AutomationResult) {
	s.Automations = append(s.Automations, r)
	switch r.Status {
	case StatusOK:
		s.AutomationsProcessed++
	case StatusSkipped:
		s.AutomationsSkipped++
	case StatusFailed:
		s.AutomationsFailed++
	}
	for result, n := range r.Comments {
		s.CommentsProcessed += n
		if result == CommentSent {
			s.MessagesSent += n
		}
	}
	automationRuns.WithLabelValues(string(r.Status)).Inc()
}

// Runner executes automation passes.
type Runner struct {
	store      Store
	tokens     TokenSource
	comments   CommentSource
	dispatcher Dispatcher
	dedup      Deduper
	limiter    RateLimiter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new runner. A nil clock uses time.Now.
func New(store Store, tokens TokenSource, comments CommentSource, dispatcher Dispatcher, dedup Deduper, limiter RateLimiter, logger *slog.Logger, now func() time.Time) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{
		store:      store,
		tokens:     tokens,
		comments:   comments,
		dispatcher: dispatcher,
		dedup:      dedup,
		limiter:    limiter,
		logger:     logger,
		now:        now,
	}
}

// Run processes every active automation sequentially.
// Per-automation failures are reported in the summary; the only error returned
// is a failure to list automations or a cancelled context, which comes with the partial summary.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: r.now()}
	defer func() {
		summary.Duration = r.now().Sub(summary.StartedAt)
		runDuration.Observe(summary.Duration.Seconds())
	}()

	autos, err := r.store.ListActiveAutomations(ctx)
	if err != nil {
		return summary, fmt.Errorf("list automations: %w", err)
	}

	r.logger.Info("Starting automation run", "count", len(autos), "timestamp", summary.StartedAt.Format(time.RFC3339))

	for _, a := range autos {
		if err := ctx.Err(); err != nil {
			r.logger.Info("Context cancelled, stopping run", "error", err)
			return summary, err
		}

		res, err := r.runAutomation(ctx, a)
		if err != nil {
			res.Status = StatusFailed
			res.Reason = "cancelled"
			summary.add(res)
			r.logger.Info("Context cancelled, stopping run", "automation_id", a.ID, "error", err)
			return summary, err
		}
		summary.add(res)
	}

	r.logger.Info("Automation run completed",
		"processed", summary.AutomationsProcessed,
		"skipped", summary.AutomationsSkipped,
		"failed", summary.AutomationsFailed,
		"comments", summary.CommentsProcessed,
		"sent", summary.MessagesSent)

	return summary, nil
}

// runAutomation runs one automation pass. The returned error is only ever a context error.
func (r *Runner) runAutomation(ctx context.Context, a *automation.Automation) (AutomationResult, error) {
	res := AutomationResult{AutomationID: a.ID, Status: StatusOK, Comments: make(map[CommentResult]int)}
	start := r.now()
	since := a.LastCheckedAt

	acct, err := r.store.LoadAccount(ctx, a.AccountID)
	if err != nil {
		return r.abandon(res, a, "load account", err), nil
	}

	tok, err := r.tokens.Valid(ctx, acct)
	if err != nil {
		if errors.Is(err, token.ErrUnavailable) {
			res.Status = StatusSkipped
			res.Reason = "token unavailable"
			r.logger.Warn("Skipping automation, no usable token", "automation_id", a.ID, "account_id", acct.ID, "error", err)
			return res, nil
		}
		return r.abandon(res, a, "obtain token", err), nil
	}

	posts, err := r.posts(ctx, a)
	if err != nil {
		return r.abandon(res, a, "resolve posts", err), nil
	}

	hold := false
	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.PostsChecked++

		comments, err := r.comments.FetchComments(ctx, tok, p.RemoteID, since)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return res, ctx.Err()
		case errors.Is(err, graph.ErrTruncated):
			res.Truncated++
			hold = true
			r.logger.Warn("Comment fetch truncated, processing partial set", "automation_id", a.ID, "post_id", p.ID, "count", len(comments), "error", err)
		default:
			res.FetchFailures++
			commentFetchFailures.Inc()
			if retryable(err) {
				hold = true
				r.logger.Warn("Comment fetch failed", "automation_id", a.ID, "post_id", p.ID, "error", err)
			} else {
				r.logger.Warn("Comment fetch rejected, not holding checkpoint", "automation_id", a.ID, "post_id", p.ID, "error", err)
			}
			continue
		}

		r.logger.Debug("Comments fetched", "automation_id", a.ID, "post_id", p.ID, "count", len(comments))

		for _, c := range comments {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			result, err := r.handleComment(ctx, acct, tok, a, c)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				return r.abandon(res, a, "handle comment", err), nil
			}
			res.Comments[result]++
			commentResults.WithLabelValues(string(result)).Inc()
		}
	}

	if hold {
		r.logger.Warn("Holding checkpoint until every post is fetched in full",
			"automation_id", a.ID,
			"failures", res.FetchFailures,
			"truncated", res.Truncated,
			"last_checked_at", since.Format(time.RFC3339))
		return res, nil
	}

	if err := r.store.AdvanceCheckpoint(ctx, a.ID, start); err != nil {
		return r.abandon(res, a, "advance checkpoint", err), nil
	}
	a.LastCheckedAt = start
	res.Checkpointed = true

	r.logger.Info("Automation checked",
		"automation_id", a.ID,
		"posts", res.PostsChecked,
		"sent", res.Comments[CommentSent],
		"rate_limited", res.Comments[CommentRateLimited])

	return res, nil
}

// abandon marks the automation as skipped for missing data or failed for anything else.
func (r *Runner) abandon(res AutomationResult, a *automation.Automation, step string, err error) AutomationResult {
	res.Reason = fmt.Sprintf("%s: %v", step, err)
	if storage.IsNotFound(err) {
		res.Status = StatusSkipped
		r.logger.Warn("Skipping automation", "automation_id", a.ID, "step", step, "error", err)
		return res
	}
	res.Status = StatusFailed
	r.logger.Error("Automation failed", "automation_id", a.ID, "step", step, "error", err)
	return res
}

// retryable reports whether a fetch failure may clear on a later run. Rejections
// such as deleted media never will, so they must not pin the checkpoint.
func retryable(err error) bool {
	var apiErr *graph.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// posts resolves the posts an automation watches. An any-post automation covers every post of its account.
func (r *Runner) posts(ctx context.Context, a *automation.Automation) ([]*automation.Post, error) {
	if a.AnyPost() {
		posts, err := r.store.ListPosts(ctx, a.AccountID)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		return posts, nil
	}
	p, err := r.store.LoadPost(ctx, a.AccountID, a.PostID)
	if err != nil {
		return nil, fmt.Errorf("load post %s: %w", a.PostID, err)
	}
	return []*automation.Post{p}, nil
}

// handleComment evaluates one comment and dispatches when it qualifies.
// A returned error is a persistence failure.
func (r *Runner) handleComment(ctx context.Context, acct *automation.Account, tok string, a *automation.Automation, c automation.Comment) (CommentResult, error) {
	recipient := automation.NormalizeHandle(c.Username)
	if acct.Handle != "" && recipient == automation.NormalizeHandle(acct.Handle) {
		return CommentOwn, nil
	}

	if !rules.Matches(a, c) {
		return CommentNoMatch, nil
	}

	handled, err := r.dedup.AlreadyHandled(ctx, a.ID, recipient)
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if handled {
		r.logger.Debug("Recipient already handled", "automation_id", a.ID, "recipient", recipient)
		return CommentDeduplicated, nil
	}

	ok, err := r.limiter.WithinLimit(ctx, a.ID, a.Ceiling())
	if err != nil {
		return "", fmt.Errorf("rate limit check: %w", err)
	}
	if !ok {
		r.logger.Info("Rate limit reached", "automation_id", a.ID, "ceiling", a.Ceiling(), "comment_id", c.ID)
		return CommentRateLimited, nil
	}

	out, err := r.dispatcher.Dispatch(ctx, acct, tok, a, c)
	if err != nil {
		return "", err
	}

	switch out.Result {
	case dispatch.ResultSent:
		return CommentSent, nil
	case dispatch.ResultSendFailed:
		return CommentSendFailed, nil
	case dispatch.ResultLookupFailed:
		return CommentLookupFailed, nil
	case dispatch.ResultDuplicate:
		return CommentDuplicate, nil
	default:
		return "", fmt.Errorf("unexpected dispatch result %q", out.Result)
	}
}
