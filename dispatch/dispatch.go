// Package dispatch sends comment replies and direct messages and records every attempt.
package dispatch

import (
	"autodm/graph"
	"autodm/pkg/automation"
	"autodm/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// API is the remote messaging surface.
type API interface {
	ReplyToComment(ctx context.Context, token, commentID, text string) error
	LookupUserID(ctx context.Context, token, accountPlatformID, handle string) (string, error)
	SendMessage(ctx context.Context, token, accountPlatformID, recipientID, text string, qr *graph.QuickReply) error
}

// Ledger is the write side of the dispatch ledger.
type Ledger interface {
	// InsertDispatch stores a record unless one exists for the same
	// (automation, recipient, kind), in which case it returns storage.ErrExists.
	InsertDispatch(ctx context.Context, rec *automation.DispatchRecord) error
	IncrementSent(ctx context.Context, automationID string, at time.Time) error
}

// Config holds the fallback texts used when an automation leaves them empty.
type Config struct {
	DefaultReply  string
	DefaultButton string
	Branding      string
	PayloadPrefix string
}

// Result is what happened to the direct message for one comment.
type Result string

const (
	ResultSent         Result = "sent"
	ResultSendFailed   Result = "send_failed"
	ResultLookupFailed Result = "lookup_failed"
	ResultDuplicate    Result = "duplicate"
)

// Outcome describes a completed dispatch.
type Outcome struct {
	Err     error // Remote error behind a failed lookup or send
	Result  Result
	Kind    automation.Kind
	Replied bool
}

// Dispatcher sends responses for matched comments.
type Dispatcher struct {
	api    API
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// New creates a dispatcher. A nil clock uses time.Now.
func New(api API, ledger Ledger, cfg Config, logger *slog.Logger, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if cfg.PayloadPrefix == "" {
		cfg.PayloadPrefix = "AUTOMATION_"
	}
	return &Dispatcher{api: api, ledger: ledger, cfg: cfg, logger: logger, now: now}
}

// Dispatch replies to the comment (when enabled) and messages its author.
// The reply and the message are independent: a failed reply never stops the message.
// The returned error is a ledger failure or the context error; remote failures are reported in the Outcome.
// A call cut short by cancellation records nothing, so the comment is picked up again on the next run.
// Once the remote has accepted a call, its record is written even if ctx is cancelled meanwhile.
func (d *Dispatcher) Dispatch(ctx context.Context, acct *automation.Account, token string, a *automation.Automation, c automation.Comment) (Outcome, error) {
	var out Outcome
	recipient := automation.NormalizeHandle(c.Username)
	data := templateData{Username: c.Username, CommentText: c.Text, Handle: acct.Handle}
	persist := context.WithoutCancel(ctx)

	if a.ReplyToComments {
		text := render(firstNonEmpty(a.CommentReply, d.cfg.DefaultReply), data)
		replyErr := d.api.ReplyToComment(ctx, token, c.ID, text)
		if replyErr != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}
		if replyErr != nil {
			d.logger.Warn("Comment reply failed", "automation_id", a.ID, "comment_id", c.ID, "error", replyErr)
		} else {
			out.Replied = true
		}
		if err := d.append(persist, d.record(a, recipient, c, text, automation.KindReply, replyErr)); err != nil {
			return out, err
		}
	}

	recipientID, err := d.api.LookupUserID(ctx, token, acct.PlatformID, c.Username)
	if err != nil && ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		d.logger.Warn("Recipient lookup failed", "automation_id", a.ID, "recipient", recipient, "error", err)
		out.Result = ResultLookupFailed
		out.Err = err
		return out, nil
	}

	var (
		text string
		qr   *graph.QuickReply
	)
	if a.UseOpeningMessage {
		out.Kind = automation.KindOpening
		text = render(firstNonEmpty(a.OpeningMessage, a.Message), data)
		qr = &graph.QuickReply{
			Title:   firstNonEmpty(a.ButtonText, d.cfg.DefaultButton),
			Payload: d.cfg.PayloadPrefix + a.ID,
		}
	} else {
		out.Kind = automation.KindDirect
		text = render(a.Message, data)
		if a.AddBranding {
			if branding := render(firstNonEmpty(a.BrandingMessage, d.cfg.Branding), data); branding != "" {
				text += "\n\n" + branding
			}
		}
	}

	sendErr := d.api.SendMessage(ctx, token, acct.PlatformID, recipientID, text, qr)
	if sendErr != nil && ctx.Err() != nil {
		d.logger.Info("Message send interrupted, leaving it for the next run", "automation_id", a.ID, "recipient", recipient, "error", sendErr)
		return out, ctx.Err()
	}
	rec := d.record(a, recipient, c, text, out.Kind, sendErr)

	if err := d.ledger.InsertDispatch(persist, rec); err != nil {
		if errors.Is(err, storage.ErrExists) {
			d.logger.Warn("Dispatch already recorded for recipient",
				"automation_id", a.ID, "recipient", recipient, "kind", out.Kind)
			out.Result = ResultDuplicate
			return out, nil
		}
		return out, fmt.Errorf("record %s dispatch: %w", out.Kind, err)
	}
	dispatches.WithLabelValues(string(rec.Kind), string(rec.Status)).Inc()

	if sendErr != nil {
		d.logger.Warn("Message send failed", "automation_id", a.ID, "recipient", recipient, "kind", out.Kind, "error", sendErr)
		out.Result = ResultSendFailed
		out.Err = sendErr
		return out, nil
	}

	if err := d.ledger.IncrementSent(persist, a.ID, rec.SentAt); err != nil {
		return out, fmt.Errorf("increment sent counter: %w", err)
	}
	a.SentCount++
	a.LastTriggeredAt = rec.SentAt

	d.logger.Info("Message sent", "automation_id", a.ID, "recipient", recipient, "kind", out.Kind, "comment_id", c.ID)
	out.Result = ResultSent
	return out, nil
}

// append stores a reply record; an existing record for the same key is not an error.
func (d *Dispatcher) append(ctx context.Context, rec *automation.DispatchRecord) error {
	if err := d.ledger.InsertDispatch(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrExists) {
			d.logger.Info("Reply already recorded", "automation_id", rec.AutomationID, "recipient", rec.Recipient)
			return nil
		}
		return fmt.Errorf("record %s dispatch: %w", rec.Kind, err)
	}
	dispatches.WithLabelValues(string(rec.Kind), string(rec.Status)).Inc()
	return nil
}

func (d *Dispatcher) record(a *automation.Automation, recipient string, c automation.Comment, text string, kind automation.Kind, sendErr error) *automation.DispatchRecord {
	rec := &automation.DispatchRecord{
		ID:           uuid.NewString(),
		AutomationID: a.ID,
		Recipient:    recipient,
		CommentID:    c.ID,
		Message:      text,
		Kind:         kind,
		Status:       automation.StatusSent,
		SentAt:       d.now(),
	}
	if sendErr != nil {
		rec.Status = automation.StatusFailed
		rec.Error = sendErr.Error()
	}
	return rec
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
