// Package graph is a client for the remote social Graph API.
package graph

import (
	"autodm/pkg/automation"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://graph.instagram.com/v21.0"
	defaultRefreshURL = "https://graph.instagram.com/refresh_access_token"
	commentFields     = "id,text,username,timestamp"
	timestampLayout   = "2006-01-02T15:04:05-0700"
	maxErrorBody      = 4 << 10
)

var (
	// ErrNotFound is returned when a handle cannot be resolved to a user id.
	ErrNotFound = errors.New("graph: not found")

	// ErrTruncated is returned alongside the comments fetched so far when pagination hit the page cap.
	ErrTruncated = errors.New("graph: comment pagination truncated")
)

// Throttling error codes, reported with HTTP 400 rather than 429.
var throttleCodes = map[int]bool{
	4:   true, // application request limit
	17:  true, // user request limit
	32:  true, // page request limit
	613: true, // calls within the rate limit window
}

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	Endpoint   string
	Message    string
	StatusCode int
	Code       int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("graph %s: HTTP %d (code %d): %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph %s: HTTP %d", e.Endpoint, e.StatusCode)
}

// Throttled reports whether the API rejected the request for exceeding a rate limit.
func (e *APIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || throttleCodes[e.Code]
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.Throttled() || e.StatusCode >= 500
}

// Config tunes the client.
type Config struct {
	BaseURL           string
	RefreshURL        string
	RequestsPerSecond float64
	Burst             int
	MaxPages          int
	LookupCacheSize   int
	LookupCacheTTL    time.Duration
	RetryAttempts     uint
	RetryDelay        time.Duration
}

// Client talks to the Graph API.
type Client struct {
	client     *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	users      *expirable.LRU[string, string]
	baseURL    string
	refreshURL string
	maxPages   int
	attempts   uint
	delay      time.Duration
}

// New creates a Graph API client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RefreshURL == "" {
		cfg.RefreshURL = defaultRefreshURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.LookupCacheSize <= 0 {
		cfg.LookupCacheSize = 1024
	}
	if cfg.LookupCacheTTL <= 0 {
		cfg.LookupCacheTTL = 6 * time.Hour
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		client:     client,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, burst),
		users:      expirable.NewLRU[string, string](cfg.LookupCacheSize, nil, cfg.LookupCacheTTL),
		baseURL:    cfg.BaseURL,
		refreshURL: cfg.RefreshURL,
		maxPages:   cfg.MaxPages,
		attempts:   cfg.RetryAttempts,
		delay:      cfg.RetryDelay,
	}
}

// Probe performs a lightweight authenticated read to check that a token still works.
func (c *Client) Probe(ctx context.Context, token string) error {
	q := url.Values{"fields": {"id"}}
	return c.do(ctx, http.MethodGet, c.endpoint("me", q), "me", token, nil, nil)
}

// Refreshed is the result of a token exchange.
type Refreshed struct {
	Token string
	TTL   time.Duration
}

// Refresh exchanges a long-lived token for a new one.
func (c *Client) Refresh(ctx context.Context, token string) (*Refreshed, error) {
	q := url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {token},
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.do(ctx, http.MethodGet, c.refreshURL+"?"+q.Encode(), "refresh_access_token", "", nil, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, errors.New("refresh response missing access_token")
	}

	return &Refreshed{
		Token: resp.AccessToken,
		TTL:   time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

type commentPage struct {
	Data []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		Username  string `json:"username"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// FetchComments returns comments on a post newer than since, following pagination
// up to the configured page cap. Order is whatever the API returns.
// When the cap is reached with pages remaining, the comments read so far are
// returned together with an error wrapping ErrTruncated.
func (c *Client) FetchComments(ctx context.Context, token, remotePostID string, since time.Time) ([]automation.Comment, error) {
	q := url.Values{
		"fields": {commentFields},
		"limit":  {"50"},
	}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.Unix(), 10))
	}
	next := c.endpoint(remotePostID+"/comments", q)

	var comments []automation.Comment
	for page := 0; next != "" && page < c.maxPages; page++ {
		var resp commentPage
		if err := c.do(ctx, http.MethodGet, next, "comments", token, nil, &resp); err != nil {
			return nil, fmt.Errorf("fetch comments page %d: %w", page, err)
		}

		for _, d := range resp.Data {
			ts := parseTimestamp(d.Timestamp)
			// The remote since filter is advisory; drop anything already covered by the checkpoint.
			if !since.IsZero() && !ts.IsZero() && !ts.After(since) {
				continue
			}
			comments = append(comments, automation.Comment{
				ID:        d.ID,
				Text:      d.Text,
				Username:  d.Username,
				Timestamp: ts,
			})
		}
		next = resp.Paging.Next
	}

	if next != "" {
		c.logger.Warn("Comment pagination truncated", "post_id", remotePostID, "max_pages", c.maxPages, "fetched", len(comments))
		return comments, fmt.Errorf("%w: %d comments in %d pages", ErrTruncated, len(comments), c.maxPages)
	}

	return comments, nil
}

// ReplyToComment posts a public reply under a comment.
func (c *Client) ReplyToComment(ctx context.Context, token, commentID, text string) error {
	body := map[string]string{"message": text}
	return c.do(ctx, http.MethodPost, c.endpoint(commentID+"/replies", nil), "replies", token, body, nil)
}

// LookupUserID resolves a handle to a remote user id as seen from the given account.
// Results are cached; ErrNotFound is returned for unknown handles.
func (c *Client) LookupUserID(ctx context.Context, token, accountPlatformID, handle string) (string, error) {
	handle = automation.NormalizeHandle(handle)
	if handle == "" {
		return "", ErrNotFound
	}

	key := accountPlatformID + "/" + handle
	if id, ok := c.users.Get(key); ok {
		return id, nil
	}

	q := url.Values{"fields": {fmt.Sprintf("business_discovery.username(%s){id}", handle)}}
	var resp struct {
		BusinessDiscovery struct {
			ID string `json:"id"`
		} `json:"business_discovery"`
	}
	err := c.do(ctx, http.MethodGet, c.endpoint(accountPlatformID, q), "business_discovery", token, nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Throttled() &&
			(apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusBadRequest) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
		return "", err
	}
	if resp.BusinessDiscovery.ID == "" {
		return "", ErrNotFound
	}

	c.users.Add(key, resp.BusinessDiscovery.ID)
	return resp.BusinessDiscovery.ID, nil
}

// QuickReply is a single tappable option attached to a message.
type QuickReply struct {
	Title   string
	Payload string
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text         string           `json:"text"`
		QuickReplies []quickReplyJSON `json:"quick_replies,omitempty"`
	} `json:"message"`
}

type quickReplyJSON struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

// SendMessage sends a direct message from the account to a recipient.
func (c *Client) SendMessage(ctx context.Context, token, accountPlatformID, recipientID, text string, qr *QuickReply) error {
	var req sendRequest
	req.Recipient.ID = recipientID
	req.Message.Text = text
	if qr != nil {
		req.Message.QuickReplies = []quickReplyJSON{{
			ContentType: "text",
			Title:       qr.Title,
			Payload:     qr.Payload,
		}}
	}
	return c.do(ctx, http.MethodPost, c.endpoint(accountPlatformID+"/messages", nil), "messages", token, req, nil)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends one request with pacing and retries. Transient failures (network, throttling, 5xx)
// are retried; everything else is returned as-is.
func (c *Client) do(ctx context.Context, method, target, name, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastAPIErr *APIError
	err := retry.Do(
		func() error {
			lastAPIErr = nil
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
			}

			var reader io.Reader = http.NoBody
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, target, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("Graph API request failed, will retry",
					"endpoint", name,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Graph API request completed",
				"method", method,
				"endpoint", name,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				apiErr := decodeError(resp, name)
				lastAPIErr = apiErr
				if apiErr.Temporary() {
					return apiErr
				}
				return retry.Unrecoverable(apiErr)
			}

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode %s response: %w", name, err))
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Graph API request after error", "endpoint", name, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastAPIErr != nil {
			return lastAPIErr
		}
		return fmt.Errorf("%s after retries: %w", name, err)
	}
	return nil
}

func decodeError(resp *http.Response, name string) *APIError {
	apiErr := &APIError{Endpoint: name, StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Error.Message
		apiErr.Code = body.Error.Code
	}
	return apiErr
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timestampLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
