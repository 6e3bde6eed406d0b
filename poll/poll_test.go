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
	"io"
	"log/slog"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSource ignores since, like a remote whose filter is only advisory.
// Comments and an error may both be set for a post to model a truncated fetch.
type fakeSource struct {
	comments map[string][]automation.Comment
	errs     map[string]error
	calls    int
	onFetch  func()
}

func (f *fakeSource) FetchComments(_ context.Context, _, remotePostID string, _ time.Time) ([]automation.Comment, error) {
	f.calls++
	if f.onFetch != nil {
		f.onFetch()
	}
	return f.comments[remotePostID], f.errs[remotePostID]
}

type fakeTokens struct {
	errs map[string]error
}

func (f *fakeTokens) Valid(_ context.Context, acct *automation.Account) (string, error) {
	if err := f.errs[acct.ID]; err != nil {
		return "", err
	}
	return "tok-" + acct.ID, nil
}

type fakeAPI struct {
	sent   []string
	onSend func() error
}

func (f *fakeAPI) ReplyToComment(context.Context, string, string, string) error { return nil }

func (f *fakeAPI) LookupUserID(_ context.Context, _, _, handle string) (string, error) {
	return "id-" + handle, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, _, _, recipientID, _ string, _ *graph.QuickReply) error {
	if f.onSend != nil {
		if err := f.onSend(); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, recipientID)
	return nil
}

// checkpointStore counts checkpoint writes and can fail post lookups.
type checkpointStore struct {
	*storage.Store
	advances    int
	loadPostErr error
}

func (s *checkpointStore) AdvanceCheckpoint(ctx context.Context, automationID string, at time.Time) error {
	s.advances++
	return s.Store.AdvanceCheckpoint(ctx, automationID, at)
}

func (s *checkpointStore) LoadPost(ctx context.Context, accountID, postID string) (*automation.Post, error) {
	if s.loadPostErr != nil {
		return nil, s.loadPostErr
	}
	return s.Store.LoadPost(ctx, accountID, postID)
}

type harness struct {
	store  *checkpointStore
	source *fakeSource
	tokens *fakeTokens
	api    *fakeAPI
	runner *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storage.New(nil, "", t.TempDir(), discard())
	h := &harness{
		store:  &checkpointStore{Store: st},
		source: &fakeSource{comments: map[string][]automation.Comment{}, errs: map[string]error{}},
		tokens: &fakeTokens{errs: map[string]error{}},
		api:    &fakeAPI{},
	}
	d := dispatch.New(h.api, st, dispatch.Config{}, discard(), clock)
	h.runner = New(h.store, h.tokens, h.source, d, rules.NewDedup(st), rules.NewLimiter(st, clock), discard(), clock)

	ctx := context.Background()
	if err := st.SaveAccount(ctx, &automation.Account{ID: "acct1", PlatformID: "1784", AccessToken: "tok", Handle: "shop"}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		p := &automation.Post{ID: fmt.Sprintf("p%d", i), AccountID: "acct1", RemoteID: fmt.Sprintf("m%d", i)}
		if err := st.SavePost(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

func (h *harness) addAutomation(t *testing.T, a *automation.Automation) {
	t.Helper()
	a.Active = true
	if a.AccountID == "" {
		a.AccountID = "acct1"
	}
	if a.Message == "" {
		a.Message = "Here you go"
	}
	if err := h.store.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func comment(id, user, text string) automation.Comment {
	return automation.Comment{ID: id, Username: user, Text: text, Timestamp: testNow.Add(-5 * time.Minute)}
}

func TestRunNonMatchingCommentsLeaveNoRecord(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "link"})
	h.source.comments["m1"] = []automation.Comment{
		comment("c1", "alice", "nice photo"),
		comment("c2", "bob", "love it"),
	}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.CommentsProcessed != 2 || summary.MessagesSent != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if got := summary.Automations[0].Comments[CommentNoMatch]; got != 2 {
		t.Errorf("no_match = %d, want 2", got)
	}

	recs, err := h.store.ListDispatches(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 || len(h.api.sent) != 0 {
		t.Errorf("records = %d, sends = %d; want none", len(recs), len(h.api.sent))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "LINK"})
	h.source.comments["m1"] = []automation.Comment{
		comment("c1", "alice", "send the link please"),
		comment("c2", "Alice", "link?"),
		comment("c3", "bob", "Link!"),
	}

	ctx := context.Background()
	first, err := h.runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.MessagesSent != 2 {
		t.Errorf("first run sent %d, want 2", first.MessagesSent)
	}
	if got := first.Automations[0].Comments[CommentDeduplicated]; got != 1 {
		t.Errorf("first run deduplicated = %d, want 1", got)
	}

	second, err := h.runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.MessagesSent != 0 || second.Automations[0].Comments[CommentDeduplicated] != 3 {
		t.Errorf("second run = %+v", second.Automations[0])
	}
	if len(h.api.sent) != 2 {
		t.Errorf("sends = %d, want 2", len(h.api.sent))
	}

	recs, err := h.store.ListDispatches(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("records = %d, want 2", len(recs))
	}
}

func TestRunRateLimit(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any", RateLimit: 10})
	var cs []automation.Comment
	for i := range 11 {
		cs = append(cs, comment(fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i), "hi"))
	}
	h.source.comments["m1"] = cs

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := summary.Automations[0]
	if res.Comments[CommentSent] != 10 || res.Comments[CommentRateLimited] != 1 {
		t.Errorf("comments = %v", res.Comments)
	}
	if len(h.api.sent) != 10 {
		t.Errorf("sends = %d, want 10", len(h.api.sent))
	}

	has, err := h.store.HasDispatch(context.Background(), "a1", "user10")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("rate limited comment must not leave a record")
	}

	a, err := h.store.LoadAutomation(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.SentCount != 10 {
		t.Errorf("SentCount = %d, want 10", a.SentCount)
	}
}

func TestRunAnyPostAdvancesCheckpointOnce(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", TriggerKeyword: "any"})
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi")}
	h.source.comments["m3"] = []automation.Comment{comment("c2", "bob", "hi")}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.source.calls != 3 {
		t.Errorf("fetches = %d, want 3", h.source.calls)
	}
	if h.store.advances != 1 {
		t.Errorf("checkpoint writes = %d, want 1", h.store.advances)
	}
	if res := summary.Automations[0]; res.PostsChecked != 3 || !res.Checkpointed || res.Comments[CommentSent] != 2 {
		t.Errorf("result = %+v", res)
	}

	a, err := h.store.LoadAutomation(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if !a.LastCheckedAt.Equal(testNow) {
		t.Errorf("LastCheckedAt = %v, want %v", a.LastCheckedAt, testNow)
	}
}

func TestRunFetchFailureHoldsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", TriggerKeyword: "any"})
	h.source.errs["m2"] = errors.New("HTTP 500")
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi")}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, fetch failures must not raise", err)
	}
	res := summary.Automations[0]
	if res.Status != StatusOK || res.FetchFailures != 1 || res.Checkpointed {
		t.Errorf("result = %+v", res)
	}
	if res.Comments[CommentSent] != 1 {
		t.Errorf("other posts must still be processed: %v", res.Comments)
	}
	if h.store.advances != 0 {
		t.Errorf("checkpoint writes = %d, want 0", h.store.advances)
	}
}

func TestRunRejectedFetchAdvancesCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", TriggerKeyword: "any"})
	h.source.errs["m2"] = &graph.APIError{Endpoint: "comments", StatusCode: 400, Code: 100, Message: "Unsupported get request"}
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi")}

	for range 2 {
		summary, err := h.runner.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res := summary.Automations[0]; res.FetchFailures != 1 || !res.Checkpointed {
			t.Errorf("result = %+v", res)
		}
	}
	if h.store.advances != 2 {
		t.Errorf("checkpoint writes = %d, want 2", h.store.advances)
	}
}

func TestRunThrottledFetchHoldsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.source.errs["m1"] = &graph.APIError{Endpoint: "comments", StatusCode: 400, Code: 613}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res := summary.Automations[0]; res.Checkpointed || h.store.advances != 0 {
		t.Errorf("result = %+v, checkpoint writes = %d", res, h.store.advances)
	}
}

func TestRunTruncatedFetchProcessesAndHoldsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi"), comment("c2", "bob", "hi")}
	h.source.errs["m1"] = fmt.Errorf("%w: 2 comments in 1 pages", graph.ErrTruncated)

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := summary.Automations[0]
	if res.Comments[CommentSent] != 2 || res.Truncated != 1 || res.FetchFailures != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Checkpointed || h.store.advances != 0 {
		t.Errorf("truncated fetch must hold the checkpoint, writes = %d", h.store.advances)
	}

	a, err := h.store.LoadAutomation(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if !a.LastCheckedAt.IsZero() {
		t.Errorf("LastCheckedAt = %v, want unchanged", a.LastCheckedAt)
	}
}

func TestRunIsolatesAutomations(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", AccountID: "ghost", TriggerKeyword: "any"})
	h.addAutomation(t, &automation.Automation{ID: "a2", AccountID: "acct2", TriggerKeyword: "any"})
	h.addAutomation(t, &automation.Automation{ID: "a3", PostID: "p1", TriggerKeyword: "any"})
	h.addAutomation(t, &automation.Automation{ID: "a4", PostID: "missing", TriggerKeyword: "any"})
	if err := h.store.SaveAccount(context.Background(), &automation.Account{ID: "acct2", AccessToken: "old"}); err != nil {
		t.Fatal(err)
	}
	h.tokens.errs["acct2"] = fmt.Errorf("%w: refresh: HTTP 400", token.ErrUnavailable)
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi")}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]Status{"a1": StatusSkipped, "a2": StatusSkipped, "a3": StatusOK, "a4": StatusSkipped}
	for _, res := range summary.Automations {
		if res.Status != want[res.AutomationID] {
			t.Errorf("%s status = %s (%s), want %s", res.AutomationID, res.Status, res.Reason, want[res.AutomationID])
		}
	}
	if summary.AutomationsProcessed != 1 || summary.AutomationsSkipped != 3 || summary.MessagesSent != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunStoreFailureMarksAutomationFailed(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.addAutomation(t, &automation.Automation{ID: "a2", TriggerKeyword: "any"})
	h.store.loadPostErr = errors.New("bucket unavailable")
	h.source.comments["m2"] = []automation.Comment{comment("c1", "alice", "hi")}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.AutomationsFailed != 1 || summary.AutomationsProcessed != 1 || summary.MessagesSent != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunSkipsOwnComments(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.source.comments["m1"] = []automation.Comment{
		comment("c1", "@Shop", "thanks everyone"),
		comment("c2", "alice", "hi"),
	}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := summary.Automations[0]
	if res.Comments[CommentOwn] != 1 || res.Comments[CommentSent] != 1 {
		t.Errorf("comments = %v", res.Comments)
	}
}

func TestRunSummaryAccumulates(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.addAutomation(t, &automation.Automation{ID: "a2", PostID: "p2", TriggerKeyword: "any"})
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi"), comment("c2", "bob", "hi")}
	h.source.comments["m2"] = []automation.Comment{comment("c3", "carol", "hi")}

	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.AutomationsProcessed != 2 || summary.CommentsProcessed != 3 || summary.MessagesSent != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.addAutomation(t, &automation.Automation{ID: "a2", PostID: "p2", TriggerKeyword: "any"})
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.source.onFetch = cancel

	summary, err := h.runner.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary == nil || len(summary.Automations) != 1 || summary.AutomationsFailed != 1 {
		t.Errorf("partial summary = %+v", summary)
	}
	if len(h.api.sent) != 0 || h.store.advances != 0 {
		t.Errorf("sends = %d, checkpoints = %d after cancel", len(h.api.sent), h.store.advances)
	}
}

func TestRunCancelledDuringSendLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &automation.Automation{ID: "a1", PostID: "p1", TriggerKeyword: "any"})
	h.source.comments["m1"] = []automation.Comment{comment("c1", "alice", "hi")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.api.onSend = func() error {
		cancel()
		return ctx.Err()
	}

	summary, err := h.runner.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if res := summary.Automations[0]; res.Status != StatusFailed || res.Reason != "cancelled" {
		t.Errorf("result = %+v", res)
	}

	has, err := h.store.HasDispatch(context.Background(), "a1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("interrupted send must not be recorded")
	}
	if h.store.advances != 0 {
		t.Errorf("checkpoint writes = %d, want 0", h.store.advances)
	}
}

func TestRunListFailure(t *testing.T) {
	st := failingList{storage.New(nil, "", t.TempDir(), discard())}
	r := New(st, &fakeTokens{}, &fakeSource{}, nil, rules.NewDedup(st), rules.NewLimiter(st, clock), discard(), clock)

	summary, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when automations cannot be listed")
	}
	if summary == nil || len(summary.Automations) != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

type failingList struct{ *storage.Store }

func (failingList) ListActiveAutomations(context.Context) ([]*automation.Automation, error) {
	return nil, errors.New("connection refused")
}
