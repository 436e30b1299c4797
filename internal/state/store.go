package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"whatsnew/internal/entry"
)

var (
	// ErrUnavailable marks backend-level failures: connectivity, timeouts,
	// provisioning. Callers treat it as fatal for the run.
	ErrUnavailable = errors.New("store unavailable")

	ErrEmptyID            = errors.New("entry id is empty")
	ErrInvalidPublishedAt = errors.New("published_at is not a canonical timestamp")
	ErrItemTooLarge       = errors.New("entry exceeds the item size limit")
	ErrConstraint         = errors.New("entry violates a store constraint")
)

// Store persists feed entries keyed by id.
type Store interface {
	// UpsertBatch inserts or fully replaces each entry. Items the backend
	// rejects are reported in BatchResult; a non-nil error means the backend
	// itself failed and nothing about the batch can be assumed.
	UpsertBatch(ctx context.Context, entries []entry.FeedEntry) (BatchResult, error)
	// QueryWindow returns dated entries published within the last days. Unordered.
	QueryWindow(ctx context.Context, days int) ([]entry.FeedEntry, error)
	// PruneOlderThan deletes dated entries published before now minus days.
	// Undated entries are never pruned.
	PruneOlderThan(ctx context.Context, days int) (int, error)
	Close() error
}

type ItemError struct {
	ID  string
	Err error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("entry %q: %v", e.ID, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

type BatchResult struct {
	Stored   int
	Rejected []ItemError
}

// Options carries what every backend needs to compute window cutoffs the same way.
type Options struct {
	Location *time.Location
	Now      func() time.Time
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

func (o Options) cutoff(days int) string {
	return entry.Cutoff(o.Now(), o.Location, days)
}

func (o Options) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.Timeout)
}

func validate(e entry.FeedEntry) error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if !entry.Valid(e.PublishedAt) {
		return ErrInvalidPublishedAt
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// latestByID keeps the last occurrence of every id so that concurrent
// writers never target the same key. Entries with an empty id are kept as-is.
func latestByID(entries []entry.FeedEntry) []entry.FeedEntry {
	index := make(map[string]int, len(entries))
	out := make([]entry.FeedEntry, 0, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			if i, ok := index[e.ID]; ok {
				out[i] = e
				continue
			}
			index[e.ID] = len(out)
		}
		out = append(out, e)
	}
	return out
}

// MemoryStore keeps entries in process memory. It is used for dry runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry.FeedEntry
	opts Options
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]entry.FeedEntry),
		opts: opts.withDefaults(),
	}
}

func (s *MemoryStore) UpsertBatch(ctx context.Context, entries []entry.FeedEntry) (BatchResult, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var result BatchResult
	for _, e := range latestByID(entries) {
		if err := validate(e); err != nil {
			result.Rejected = append(result.Rejected, ItemError{ID: e.ID, Err: err})
			continue
		}
		s.data[e.ID] = e
		result.Stored++
	}

	observeBatch("memory", start, result, nil)
	return result, nil
}

func (s *MemoryStore) QueryWindow(ctx context.Context, days int) ([]entry.FeedEntry, error) {
	start := time.Now()
	cutoff := s.opts.cutoff(days)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entry.FeedEntry
	for _, e := range s.data {
		if e.PublishedAt != "" && e.PublishedAt >= cutoff {
			out = append(out, e)
		}
	}

	observe("memory", "query_window", start, nil)
	return out, nil
}

func (s *MemoryStore) PruneOlderThan(ctx context.Context, days int) (int, error) {
	start := time.Now()
	cutoff := s.opts.cutoff(days)

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, e := range s.data {
		if e.PublishedAt != "" && e.PublishedAt < cutoff {
			delete(s.data, id)
			deleted++
		}
	}

	observe("memory", "prune", start, nil)
	return deleted, nil
}

// IDs returns the stored ids in sorted order.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) Close() error {
	return nil
}
