// Package storage handles persistence of accounts, automations, posts, and the dispatch ledger.
package storage

import (
	"autodm/pkg/automation"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("storage: object doesn't exist")
	// ErrExists is returned when an insert-if-absent finds the key taken.
	ErrExists = errors.New("storage: object already exists")
	// ErrInvalidKey is returned for ids that are unsafe to use as object names.
	ErrInvalidKey = errors.New("storage: invalid key")

	idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Metadata keys attached to ledger objects for operators browsing the bucket.
const (
	metaKind   = "kind"
	metaStatus = "status"
	metaSentAt = "sent_at"
)

// Sent index layout: sent/<automation>/<hour>/<sent at>_<record>.json. Both layouts are fixed
// width, so lexical order is time order.
const (
	sentBucketLayout = "2006010215"
	sentMarkerLayout = "20060102T150405.000000000"
)

// Store is a document store backed by Cloud Storage or, in development, a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath selects the local backend.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// IsNotFound checks if an error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.localPath != "" {
		info, err := os.Stat(s.localPath)
		if err != nil {
			return fmt.Errorf("stat local storage: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("local storage %s is not a directory", s.localPath)
		}
		return nil
	}
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}
	return nil
}

func accountKey(id string) (string, error) {
	if !idRegex.MatchString(id) {
		return "", fmt.Errorf("%w: account %q", ErrInvalidKey, id)
	}
	return "accounts/" + id + ".json", nil
}

func automationKey(id string) (string, error) {
	if !idRegex.MatchString(id) {
		return "", fmt.Errorf("%w: automation %q", ErrInvalidKey, id)
	}
	return "automations/" + id + ".json", nil
}

func postPrefix(accountID string) (string, error) {
	if !idRegex.MatchString(accountID) {
		return "", fmt.Errorf("%w: account %q", ErrInvalidKey, accountID)
	}
	return "posts/" + accountID + "/", nil
}

func postKey(accountID, postID string) (string, error) {
	prefix, err := postPrefix(accountID)
	if err != nil {
		return "", err
	}
	if !idRegex.MatchString(postID) {
		return "", fmt.Errorf("%w: post %q", ErrInvalidKey, postID)
	}
	return prefix + postID + ".json", nil
}

func dispatchPrefix(automationID string) (string, error) {
	if !idRegex.MatchString(automationID) {
		return "", fmt.Errorf("%w: automation %q", ErrInvalidKey, automationID)
	}
	return "dispatch/" + automationID + "/", nil
}

// recipientPrefix hashes the handle so arbitrary handles map to safe object names.
func recipientPrefix(automationID, recipient string) (string, error) {
	prefix, err := dispatchPrefix(automationID)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256([]byte(automation.NormalizeHandle(recipient)))
	return prefix + hex.EncodeToString(h[:16]) + ".", nil
}

func dispatchKey(rec *automation.DispatchRecord) (string, error) {
	prefix, err := recipientPrefix(rec.AutomationID, rec.Recipient)
	if err != nil {
		return "", err
	}
	return prefix + string(rec.Kind) + ".json", nil
}

func sentPrefix(automationID string) (string, error) {
	if !idRegex.MatchString(automationID) {
		return "", fmt.Errorf("%w: automation %q", ErrInvalidKey, automationID)
	}
	return "sent/" + automationID + "/", nil
}

// sentMarkerKey names the index entry of a sent message. The suffix derives from the
// ledger key, so rewriting a marker for the same record is idempotent.
func sentMarkerKey(rec *automation.DispatchRecord) (string, error) {
	prefix, err := sentPrefix(rec.AutomationID)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256([]byte(automation.NormalizeHandle(rec.Recipient) + "/" + string(rec.Kind)))
	at := rec.SentAt.UTC()
	return prefix + at.Format(sentBucketLayout) + "/" + at.Format(sentMarkerLayout) + "_" + hex.EncodeToString(h[:8]) + ".json", nil
}

// markerTime recovers the send time from a sent index key.
func markerTime(key string) (time.Time, bool) {
	stamp, _, ok := strings.Cut(path.Base(key), "_")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(sentMarkerLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SaveAccount stores an account.
func (s *Store) SaveAccount(ctx context.Context, acct *automation.Account) error {
	key, err := accountKey(acct.ID)
	if err != nil {
		return err
	}
	return s.saveJSON(ctx, key, acct)
}

// LoadAccount loads an account by id.
func (s *Store) LoadAccount(ctx context.Context, id string) (*automation.Account, error) {
	key, err := accountKey(id)
	if err != nil {
		return nil, err
	}
	var acct automation.Account
	if err := s.loadJSON(ctx, key, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// SaveAutomation stores an automation definition.
func (s *Store) SaveAutomation(ctx context.Context, a *automation.Automation) error {
	key, err := automationKey(a.ID)
	if err != nil {
		return err
	}
	return s.saveJSON(ctx, key, a)
}

// LoadAutomation loads an automation by id.
func (s *Store) LoadAutomation(ctx context.Context, id string) (*automation.Automation, error) {
	key, err := automationKey(id)
	if err != nil {
		return nil, err
	}
	var a automation.Automation
	if err := s.loadJSON(ctx, key, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActiveAutomations lists every automation with the active flag set, ordered by id.
func (s *Store) ListActiveAutomations(ctx context.Context) ([]*automation.Automation, error) {
	objs, err := s.list(ctx, "automations/")
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}

	var active []*automation.Automation
	for _, obj := range objs {
		var a automation.Automation
		if err := s.loadJSON(ctx, obj.key, &a); err != nil {
			s.logger.Warn("Failed to load automation", "key", obj.key, "error", err)
			continue
		}
		if a.Active {
			active = append(active, &a)
		}
	}
	return active, nil
}

// AdvanceCheckpoint moves an automation's checkpoint forward. Earlier times are ignored.
func (s *Store) AdvanceCheckpoint(ctx context.Context, automationID string, at time.Time) error {
	a, err := s.LoadAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	if !at.After(a.LastCheckedAt) {
		return nil
	}
	a.LastCheckedAt = at
	return s.SaveAutomation(ctx, a)
}

// IncrementSent bumps an automation's sent counter and last-triggered time.
func (s *Store) IncrementSent(ctx context.Context, automationID string, at time.Time) error {
	a, err := s.LoadAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	a.SentCount++
	if at.After(a.LastTriggeredAt) {
		a.LastTriggeredAt = at
	}
	return s.SaveAutomation(ctx, a)
}

// SavePost stores a post.
func (s *Store) SavePost(ctx context.Context, p *automation.Post) error {
	key, err := postKey(p.AccountID, p.ID)
	if err != nil {
		return err
	}
	return s.saveJSON(ctx, key, p)
}

// LoadPost loads a post owned by an account.
func (s *Store) LoadPost(ctx context.Context, accountID, postID string) (*automation.Post, error) {
	key, err := postKey(accountID, postID)
	if err != nil {
		return nil, err
	}
	var p automation.Post
	if err := s.loadJSON(ctx, key, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPosts lists every post on file for an account.
func (s *Store) ListPosts(ctx context.Context, accountID string) ([]*automation.Post, error) {
	prefix, err := postPrefix(accountID)
	if err != nil {
		return nil, err
	}
	objs, err := s.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	posts := make([]*automation.Post, 0, len(objs))
	for _, obj := range objs {
		var p automation.Post
		if err := s.loadJSON(ctx, obj.key, &p); err != nil {
			return nil, fmt.Errorf("load post %s: %w", obj.key, err)
		}
		posts = append(posts, &p)
	}
	return posts, nil
}

// InsertDispatch stores a ledger record if none exists for its (automation, recipient, kind).
func (s *Store) InsertDispatch(ctx context.Context, rec *automation.DispatchRecord) error {
	rec.Recipient = automation.NormalizeHandle(rec.Recipient)
	key, err := dispatchKey(rec)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dispatch record: %w", err)
	}
	meta := map[string]string{
		metaKind:   string(rec.Kind),
		metaStatus: string(rec.Status),
		metaSentAt: rec.SentAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.write(ctx, key, data, meta, true); err != nil {
		return err
	}
	s.logger.Debug("Dispatch recorded", "key", key, "kind", rec.Kind, "status", rec.Status)

	if !rec.Kind.IsMessage() || rec.Status != automation.StatusSent {
		return nil
	}
	marker, err := sentMarkerKey(rec)
	if err != nil {
		return err
	}
	if err := s.write(ctx, marker, []byte("{}"), nil, false); err != nil {
		return fmt.Errorf("index sent dispatch: %w", err)
	}
	return nil
}

// HasDispatch reports whether any record of any kind or status exists for the recipient.
func (s *Store) HasDispatch(ctx context.Context, automationID, recipient string) (bool, error) {
	prefix, err := recipientPrefix(automationID, recipient)
	if err != nil {
		return false, err
	}
	objs, err := s.list(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("list dispatches: %w", err)
	}
	return len(objs) > 0, nil
}

// CountSentSince counts sent direct and opening messages recorded after since.
// Only the hourly buckets of the sent index from since onward are listed, and no records are read.
func (s *Store) CountSentSince(ctx context.Context, automationID string, since time.Time) (int, error) {
	prefix, err := sentPrefix(automationID)
	if err != nil {
		return 0, err
	}
	buckets, err := s.listDirs(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list sent buckets: %w", err)
	}

	first := since.UTC().Format(sentBucketLayout)
	count := 0
	for _, bucket := range buckets {
		if bucket < first {
			continue
		}
		objs, err := s.list(ctx, prefix+bucket+"/")
		if err != nil {
			return 0, fmt.Errorf("list sent index: %w", err)
		}
		for _, obj := range objs {
			if at, ok := markerTime(obj.key); ok && at.After(since) {
				count++
			}
		}
	}
	return count, nil
}

// ListDispatches returns every ledger record of an automation.
func (s *Store) ListDispatches(ctx context.Context, automationID string) ([]*automation.DispatchRecord, error) {
	prefix, err := dispatchPrefix(automationID)
	if err != nil {
		return nil, err
	}
	objs, err := s.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}

	recs := make([]*automation.DispatchRecord, 0, len(objs))
	for _, obj := range objs {
		var rec automation.DispatchRecord
		if err := s.loadJSON(ctx, obj.key, &rec); err != nil {
			return nil, fmt.Errorf("load dispatch %s: %w", obj.key, err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

func (s *Store) saveJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.write(ctx, key, data, nil, false); err != nil {
		return err
	}
	s.logger.Debug("Document saved", "key", key)
	return nil
}

func (s *Store) loadJSON(ctx context.Context, key string, v any) error {
	data, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

type object struct {
	key string
}

func (s *Store) localFile(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

func (s *Store) write(ctx context.Context, key string, data []byte, meta map[string]string, ifAbsent bool) error {
	// Local filesystem storage
	if s.localPath != "" {
		filePath := s.localFile(key)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if !ifAbsent {
			if err := os.WriteFile(filePath, data, 0o600); err != nil {
				return fmt.Errorf("write to local storage: %w", err)
			}
			return nil
		}

		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return ErrExists
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close local storage file: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	exists := false
	err := retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			if ifAbsent {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			w.Metadata = meta
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					exists = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if exists {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(s.localFile(key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// list returns the objects directly under prefix. Prefixes never span directories.
func (s *Store) list(ctx context.Context, prefix string) ([]object, error) {
	// Local filesystem storage
	if s.localPath != "" {
		dir, namePrefix := path.Split(prefix)
		entries, err := os.ReadDir(s.localFile(dir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		var objs []object
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), namePrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			objs = append(objs, object{key: dir + entry.Name()})
		}
		return objs, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: prefix,
	})

	var objs []object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.Contains(strings.TrimPrefix(attrs.Name, prefix), "/") {
			continue
		}
		objs = append(objs, object{key: attrs.Name})
	}
	return objs, nil
}

// listDirs returns the names of the directories directly under prefix.
func (s *Store) listDirs(ctx context.Context, prefix string) ([]string, error) {
	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localFile(prefix))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		var dirs []string
		for _, entry := range entries {
			if entry.IsDir() {
				dirs = append(dirs, entry.Name())
			}
		}
		return dirs, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var dirs []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if attrs.Prefix != "" {
			dirs = append(dirs, strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/"))
		}
	}
	return dirs, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
