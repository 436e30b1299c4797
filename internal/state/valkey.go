package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"whatsnew/internal/entry"
)

// DefaultMaxItemBytes matches the per-item size limit of managed key-value tables.
const DefaultMaxItemBytes = 400 * 1024

type ValkeyConfig struct {
	Address  string
	Password string
	DB       int
	// Table names the collection; every key of the store is prefixed with it.
	Table        string
	MaxItemBytes int
	Concurrency  int
}

// ValkeyStore keeps entries in a Valkey/Redis collection laid out as
//
//	{<table>}:meta        hash describing the collection (created once)
//	{<table>}:ids         set of every stored id
//	{<table>}:entry:<id>  hash holding one entry
//
// The window and prune scripts read entry keys that are not passed in KEYS.
// The shared {<table>} hash tag keeps every key of a collection in one Cluster
// slot, but servers that enforce declared script keys are not supported.
type ValkeyStore struct {
	client       *redis.Client
	table        string
	maxItemBytes int
	concurrency  int
	opts         Options

	// beforeCreate runs between the existence check and the create call.
	beforeCreate func()
}

// Window and prune predicates run server-side over the whole collection.
// ARGV[2] is the entry key prefix; entry keys share the hash tag of KEYS[1].
var (
	queryWindowScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local matched = {}
for _, id in ipairs(ids) do
  local published = redis.call('HGET', ARGV[2] .. id, 'published_at')
  if published and published ~= '' and published >= ARGV[1] then
    table.insert(matched, id)
  end
end
return matched
`)

	pruneScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local deleted = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local published = redis.call('HGET', key, 'published_at')
  if published and published ~= '' and published < ARGV[1] then
    redis.call('DEL', key)
    redis.call('SREM', KEYS[1], id)
    deleted = deleted + 1
  end
end
return deleted
`)
)

func NewValkeyStore(ctx context.Context, cfg ValkeyConfig, opts Options) (*ValkeyStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := newValkeyStore(rdb, cfg, opts)

	pingCtx, cancel := s.opts.bound(ctx)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, unavailable("connect to valkey", err)
	}

	res := s.Provision(ctx)
	if res.Outcome == ProvisionFailed {
		rdb.Close()
		return nil, unavailable("provision table "+s.table, res.Reason)
	}

	return s, nil
}

func newValkeyStore(client *redis.Client, cfg ValkeyConfig, opts Options) *ValkeyStore {
	s := &ValkeyStore{
		client:       client,
		table:        cfg.Table,
		maxItemBytes: cfg.MaxItemBytes,
		concurrency:  cfg.Concurrency,
		opts:         opts.withDefaults(),
	}
	if s.table == "" {
		s.table = "feed_entries"
	}
	if s.maxItemBytes <= 0 {
		s.maxItemBytes = DefaultMaxItemBytes
	}
	if s.concurrency <= 0 {
		s.concurrency = 8
	}
	return s
}

func (s *ValkeyStore) hashTag() string {
	return "{" + s.table + "}"
}

func (s *ValkeyStore) metaKey() string {
	return s.hashTag() + ":meta"
}

func (s *ValkeyStore) idsKey() string {
	return s.hashTag() + ":ids"
}

func (s *ValkeyStore) entryPrefix() string {
	return s.hashTag() + ":entry:"
}

type ProvisionOutcome int

const (
	ProvisionFailed ProvisionOutcome = iota
	ProvisionCreated
	ProvisionAlreadyExists
)

func (o ProvisionOutcome) String() string {
	switch o {
	case ProvisionCreated:
		return "created"
	case ProvisionAlreadyExists:
		return "already_exists"
	default:
		return "failed"
	}
}

type ProvisionResult struct {
	Outcome ProvisionOutcome
	// Reason is set only when Outcome is ProvisionFailed.
	Reason error
}

// Provision creates the collection keyed by id if it does not exist yet.
// Losing a creation race to another process is reported as AlreadyExists.
func (s *ValkeyStore) Provision(ctx context.Context) ProvisionResult {
	start := time.Now()
	res := s.provision(ctx)
	observe("valkey", "provision", start, res.Reason)
	return res
}

func (s *ValkeyStore) provision(ctx context.Context) ProvisionResult {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.metaKey()).Result()
	if err != nil {
		return ProvisionResult{Outcome: ProvisionFailed, Reason: fmt.Errorf("check table: %w", err)}
	}
	if n > 0 {
		return ProvisionResult{Outcome: ProvisionAlreadyExists}
	}

	if s.beforeCreate != nil {
		s.beforeCreate()
	}

	created, err := s.client.HSetNX(ctx, s.metaKey(), "key", "id").Result()
	if err != nil {
		return ProvisionResult{Outcome: ProvisionFailed, Reason: fmt.Errorf("create table: %w", err)}
	}
	if !created {
		return ProvisionResult{Outcome: ProvisionAlreadyExists}
	}

	if err := s.client.HSet(ctx, s.metaKey(), "created_at", s.opts.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return ProvisionResult{Outcome: ProvisionFailed, Reason: fmt.Errorf("describe table: %w", err)}
	}

	return ProvisionResult{Outcome: ProvisionCreated}
}

func entryFields(e entry.FeedEntry) map[string]any {
	return map[string]any{
		"id":           e.ID,
		"title":        e.Title,
		"summary":      e.Summary,
		"link":         e.Link,
		"author":       e.Author,
		"published":    e.PublishedRaw,
		"published_at": e.PublishedAt,
		"tags":         e.Tags,
		"authors":      e.Authors,
		"links":        e.Links,
	}
}

// itemSize counts attribute names plus values, like the managed stores do.
func itemSize(fields map[string]any) int {
	size := 0
	for k, v := range fields {
		size += len(k) + len(v.(string))
	}
	return size
}

func (s *ValkeyStore) UpsertBatch(ctx context.Context, entries []entry.FeedEntry) (result BatchResult, err error) {
	start := time.Now()
	defer func() { observeBatch("valkey", start, result, err) }()

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var mu sync.Mutex
	reject := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Rejected = append(result.Rejected, ItemError{ID: id, Err: err})
	}
	stored := func() {
		mu.Lock()
		defer mu.Unlock()
		result.Stored++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, e := range latestByID(entries) {
		if verr := validate(e); verr != nil {
			reject(e.ID, verr)
			continue
		}

		fields := entryFields(e)
		if size := itemSize(fields); size > s.maxItemBytes {
			reject(e.ID, fmt.Errorf("%w: %d > %d bytes", ErrItemTooLarge, size, s.maxItemBytes))
			continue
		}

		g.Go(func() error {
			key := s.entryPrefix() + e.ID
			_, err := s.client.TxPipelined(gctx, func(pipe redis.Pipeliner) error {
				pipe.Del(gctx, key)
				pipe.HSet(gctx, key, fields)
				pipe.SAdd(gctx, s.idsKey(), e.ID)
				return nil
			})
			if isItemFailure(err) {
				reject(e.ID, fmt.Errorf("%w: %v", ErrConstraint, err))
				return nil
			}
			if err != nil {
				return fmt.Errorf("put entry %q: %w", e.ID, err)
			}
			stored()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BatchResult{}, unavailable("upsert batch", err)
	}

	return result, nil
}

// isItemFailure reports whether err is a server reply about this one write,
// as opposed to a connectivity problem or a server that cannot take writes.
func isItemFailure(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) || err == redis.Nil {
		return false
	}
	for _, prefix := range []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN", "MOVED", "ASK", "NOAUTH", "WRONGPASS", "NOPERM"} {
		if redis.HasErrorPrefix(err, prefix) {
			return false
		}
	}
	return true
}

func (s *ValkeyStore) QueryWindow(ctx context.Context, days int) (entries []entry.FeedEntry, err error) {
	start := time.Now()
	defer func() { observe("valkey", "query_window", start, err) }()

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	ids, err := queryWindowScript.Run(ctx, s.client,
		[]string{s.idsKey()}, s.opts.cutoff(days), s.entryPrefix()).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, unavailable("scan window", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.entryPrefix()+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("fetch window entries", err)
	}

	entries = make([]entry.FeedEntry, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			// Pruned between the scan and the fetch.
			continue
		}
		var e entry.FeedEntry
		if err := cmd.Scan(&e); err != nil {
			return nil, unavailable("decode entry", err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

func (s *ValkeyStore) PruneOlderThan(ctx context.Context, days int) (deleted int, err error) {
	start := time.Now()
	defer func() { observe("valkey", "prune", start, err) }()

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	deleted, err = pruneScript.Run(ctx, s.client,
		[]string{s.idsKey()}, s.opts.cutoff(days), s.entryPrefix()).Int()
	if err != nil {
		return 0, unavailable("prune entries", err)
	}

	return deleted, nil
}

func (s *ValkeyStore) Close() error {
	return s.client.Close()
}
