package storage

import (
	"autodm/pkg/automation"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPingLocal(t *testing.T) {
	s := newLocalStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}

	missing := New(nil, "", "/nonexistent/autodm", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := missing.Ping(context.Background()); err == nil {
		t.Error("Ping() on missing directory should fail")
	}
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	if _, err := s.LoadAccount(ctx, "acct1"); !IsNotFound(err) {
		t.Fatalf("LoadAccount() on empty store error = %v, want not found", err)
	}

	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	want := &automation.Account{ID: "acct1", PlatformID: "1784", AccessToken: "tok", TokenExpiresAt: exp, Handle: "shop"}
	if err := s.SaveAccount(ctx, want); err != nil {
		t.Fatalf("SaveAccount() error: %v", err)
	}

	got, err := s.LoadAccount(ctx, "acct1")
	if err != nil {
		t.Fatalf("LoadAccount() error: %v", err)
	}
	if got.AccessToken != "tok" || !got.TokenExpiresAt.Equal(exp) || got.Handle != "shop" {
		t.Errorf("LoadAccount() = %+v", got)
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	for _, id := range []string{"", "../etc/passwd", "a/b", "has space"} {
		if _, err := s.LoadAccount(ctx, id); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("LoadAccount(%q) error = %v, want ErrInvalidKey", id, err)
		}
	}
}

func TestListActiveAutomations(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	for _, a := range []*automation.Automation{
		{ID: "b", AccountID: "acct1", Active: true},
		{ID: "a", AccountID: "acct1", Active: true},
		{ID: "c", AccountID: "acct1", Active: false},
	} {
		if err := s.SaveAutomation(ctx, a); err != nil {
			t.Fatalf("SaveAutomation(%s) error: %v", a.ID, err)
		}
	}

	got, err := s.ListActiveAutomations(ctx)
	if err != nil {
		t.Fatalf("ListActiveAutomations() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("ListActiveAutomations() = %v", ids(got))
	}
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveAutomation(ctx, &automation.Automation{ID: "a1", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceCheckpoint(ctx, "a1", t1); err != nil {
		t.Fatalf("AdvanceCheckpoint() error: %v", err)
	}
	if err := s.AdvanceCheckpoint(ctx, "a1", t1.Add(-time.Hour)); err != nil {
		t.Fatalf("AdvanceCheckpoint() error: %v", err)
	}

	a, err := s.LoadAutomation(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if !a.LastCheckedAt.Equal(t1) {
		t.Errorf("LastCheckedAt = %v, want %v", a.LastCheckedAt, t1)
	}

	if err := s.AdvanceCheckpoint(ctx, "missing", t1); !IsNotFound(err) {
		t.Errorf("AdvanceCheckpoint(missing) error = %v, want not found", err)
	}
}

func TestIncrementSent(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveAutomation(ctx, &automation.Automation{ID: "a1", SentCount: 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementSent(ctx, "a1", at); err != nil {
		t.Fatalf("IncrementSent() error: %v", err)
	}

	a, err := s.LoadAutomation(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.SentCount != 5 || !a.LastTriggeredAt.Equal(at) {
		t.Errorf("after IncrementSent: count=%d last=%v", a.SentCount, a.LastTriggeredAt)
	}
}

func TestPosts(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	for _, p := range []*automation.Post{
		{ID: "p1", AccountID: "acct1", RemoteID: "m1"},
		{ID: "p2", AccountID: "acct1", RemoteID: "m2"},
		{ID: "p3", AccountID: "acct2", RemoteID: "m3"},
	} {
		if err := s.SavePost(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	posts, err := s.ListPosts(ctx, "acct1")
	if err != nil {
		t.Fatalf("ListPosts() error: %v", err)
	}
	if len(posts) != 2 {
		t.Errorf("ListPosts(acct1) returned %d posts, want 2", len(posts))
	}

	none, err := s.ListPosts(ctx, "acct9")
	if err != nil || len(none) != 0 {
		t.Errorf("ListPosts(acct9) = %v, %v; want empty", none, err)
	}

	p, err := s.LoadPost(ctx, "acct2", "p3")
	if err != nil || p.RemoteID != "m3" {
		t.Errorf("LoadPost() = %+v, %v", p, err)
	}
	if _, err := s.LoadPost(ctx, "acct1", "p3"); !IsNotFound(err) {
		t.Errorf("LoadPost(wrong account) error = %v, want not found", err)
	}
}

func TestInsertDispatchIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := &automation.DispatchRecord{ID: "r1", AutomationID: "a1", Recipient: "Bob", Kind: automation.KindDirect, Status: automation.StatusSent, SentAt: at}
	if err := s.InsertDispatch(ctx, rec); err != nil {
		t.Fatalf("InsertDispatch() error: %v", err)
	}

	dup := &automation.DispatchRecord{ID: "r2", AutomationID: "a1", Recipient: "@bob", Kind: automation.KindDirect, Status: automation.StatusFailed, SentAt: at}
	if err := s.InsertDispatch(ctx, dup); !errors.Is(err, ErrExists) {
		t.Fatalf("second InsertDispatch() error = %v, want ErrExists", err)
	}

	reply := &automation.DispatchRecord{ID: "r3", AutomationID: "a1", Recipient: "bob", Kind: automation.KindReply, Status: automation.StatusSent, SentAt: at}
	if err := s.InsertDispatch(ctx, reply); err != nil {
		t.Fatalf("InsertDispatch(reply) error: %v", err)
	}

	recs, err := s.ListDispatches(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("ListDispatches() returned %d records, want 2", len(recs))
	}
}

func TestHasDispatch(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	rec := &automation.DispatchRecord{ID: "r1", AutomationID: "a1", Recipient: "bob", Kind: automation.KindDirect, Status: automation.StatusFailed}
	if err := s.InsertDispatch(ctx, rec); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		automationID string
		recipient    string
		want         bool
	}{
		{"a1", "bob", true},
		{"a1", "BOB", true},
		{"a1", "alice", false},
		{"a2", "bob", false},
	}
	for _, tt := range tests {
		got, err := s.HasDispatch(ctx, tt.automationID, tt.recipient)
		if err != nil {
			t.Fatalf("HasDispatch(%s, %s) error: %v", tt.automationID, tt.recipient, err)
		}
		if got != tt.want {
			t.Errorf("HasDispatch(%s, %s) = %v, want %v", tt.automationID, tt.recipient, got, tt.want)
		}
	}
}

func TestCountSentSince(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []*automation.DispatchRecord{
		{ID: "1", Recipient: "u1", Kind: automation.KindDirect, Status: automation.StatusSent, SentAt: now.Add(-10 * time.Minute)},
		{ID: "2", Recipient: "u2", Kind: automation.KindOpening, Status: automation.StatusSent, SentAt: now.Add(-20 * time.Minute)},
		{ID: "3", Recipient: "u3", Kind: automation.KindDirect, Status: automation.StatusFailed, SentAt: now.Add(-5 * time.Minute)},
		{ID: "4", Recipient: "u4", Kind: automation.KindReply, Status: automation.StatusSent, SentAt: now.Add(-5 * time.Minute)},
		{ID: "5", Recipient: "u5", Kind: automation.KindDirect, Status: automation.StatusSent, SentAt: now.Add(-2 * time.Hour)},
	}
	for _, r := range recs {
		r.AutomationID = "a1"
		if err := s.InsertDispatch(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.CountSentSince(ctx, "a1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSentSince() error: %v", err)
	}
	if got != 2 {
		t.Errorf("CountSentSince() = %d, want 2", got)
	}
}

func TestSentMarkerKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 59, 30, 250, time.UTC)
	key, err := sentMarkerKey(&automation.DispatchRecord{AutomationID: "a1", Recipient: "@Bob", Kind: automation.KindDirect, SentAt: at})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "sent/a1/2026030111/") {
		t.Errorf("key = %q, want it in the 11:00 bucket", key)
	}
	got, ok := markerTime(key)
	if !ok || !got.Equal(at) {
		t.Errorf("markerTime(%q) = %v, %v; want %v", key, got, ok, at)
	}
	if _, ok := markerTime("sent/a1/2026030111/garbage.json"); ok {
		t.Error("markerTime() accepted a malformed key")
	}
}

func TestCountSentSinceSpansBuckets(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	for i, ago := range []time.Duration{5 * time.Minute, 45 * time.Minute, 59 * time.Minute, 61 * time.Minute, 26 * time.Hour} {
		rec := &automation.DispatchRecord{
			ID:           fmt.Sprint(i),
			AutomationID: "a1",
			Recipient:    fmt.Sprintf("u%d", i),
			Kind:         automation.KindDirect,
			Status:       automation.StatusSent,
			SentAt:       now.Add(-ago),
		}
		if err := s.InsertDispatch(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.CountSentSince(ctx, "a1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSentSince() error: %v", err)
	}
	if got != 3 {
		t.Errorf("CountSentSince() = %d, want 3", got)
	}

	if got, err := s.CountSentSince(ctx, "other", now.Add(-time.Hour)); err != nil || got != 0 {
		t.Errorf("CountSentSince(other) = %d, %v; want 0", got, err)
	}
}

func ids(as []*automation.Automation) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}
