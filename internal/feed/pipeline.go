package feed

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"whatsnew/internal/config"
	"whatsnew/internal/entry"
	"whatsnew/internal/match"
	"whatsnew/internal/state"
	"whatsnew/internal/webhook"
)

var (
	metricFetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsnew_fetch_count_total",
		Help: "The total number of feed fetches",
	}, []string{"feed", "status"})

	metricStoredEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsnew_entries_stored_total",
		Help: "The total number of entries written to the store",
	})

	metricMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsnew_matches_total",
		Help: "The total number of window entries matching a service",
	}, []string{"service"})

	metricPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsnew_pruned_entries_total",
		Help: "The total number of entries deleted by retention",
	})

	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsnew_runs_total",
		Help: "The total number of pipeline runs",
	}, []string{"status"})
)

// Sender delivers one payload to one webhook.
type Sender interface {
	SendWithRateLimit(ctx context.Context, wh config.Webhook, payload webhook.Payload) error
}

type Config struct {
	Feeds         []string
	Webhooks      []config.Webhook
	Location      *time.Location
	LookbackDays  int
	RetentionDays int
	Prune         bool
	// FetchTimeout bounds each feed fetch. Zero means one minute.
	FetchTimeout time.Duration
}

type FetchError struct {
	Feed string
	Err  error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Feed, e.Err)
}

func (e FetchError) Unwrap() error {
	return e.Err
}

// DeliveryFailure records one entry that could not be sent to one webhook.
type DeliveryFailure struct {
	EntryID string
	Webhook string
	Err     error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %q to %s: %v", f.EntryID, f.Webhook, f.Err)
}

func (f DeliveryFailure) Unwrap() error {
	return f.Err
}

// Match is a window entry together with the dictionary phrase it matched.
type Match struct {
	Entry   entry.FeedEntry
	Service string
}

// Report summarizes one pipeline run.
type Report struct {
	Fetched     int
	FetchErrors []FetchError
	// Undated lists ids whose published time could not be determined.
	Undated  []string
	Stored   int
	Rejected []state.ItemError
	Window   int
	Matched  []Match

	DeliveryFailures []DeliveryFailure
	Delivered        int

	Pruned   int
	PruneErr error
}

type Pipeline struct {
	source  Source
	store   state.Store
	matcher *match.Matcher
	sender  Sender
	cfg     Config
}

func NewPipeline(source Source, store state.Store, matcher *match.Matcher, sender Sender, cfg Config) *Pipeline {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Pipeline{
		source:  source,
		store:   store,
		matcher: matcher,
		sender:  sender,
		cfg:     cfg,
	}
}

// RunOnce performs a full fetch, store, match, notify and optional prune
// pass. It returns an error only when the store fails; every other problem
// is recorded in the report.
func (p *Pipeline) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	raws := p.fetchAll(ctx, report)
	report.Fetched = len(raws)

	entries := entry.NormalizeAll(raws, p.cfg.Location)
	for _, e := range entries {
		if e.Undated() {
			slog.Warn("Entry has no usable published time", "id", e.ID, "title", e.Title)
			report.Undated = append(report.Undated, e.ID)
		}
	}

	if len(entries) > 0 {
		res, err := p.store.UpsertBatch(ctx, entries)
		if err != nil {
			metricRuns.WithLabelValues("error").Inc()
			return report, fmt.Errorf("failed to store entries: %w", err)
		}
		report.Stored = res.Stored
		report.Rejected = res.Rejected
		metricStoredEntries.Add(float64(res.Stored))
		for _, rej := range res.Rejected {
			slog.Warn("Entry rejected by store", "id", rej.ID, "error", rej.Err)
		}
	}

	window, err := p.store.QueryWindow(ctx, p.cfg.LookbackDays)
	if err != nil {
		metricRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to query window: %w", err)
	}
	report.Window = len(window)

	report.Matched = p.filter(window)
	slog.Info("Filtered window", "window", len(window), "count", len(report.Matched))

	if err := p.notify(ctx, report); err != nil {
		metricRuns.WithLabelValues("error").Inc()
		return report, err
	}

	if p.cfg.Prune {
		deleted, err := p.store.PruneOlderThan(ctx, p.cfg.RetentionDays)
		if err != nil {
			slog.Error("Failed to prune entries", "retention_days", p.cfg.RetentionDays, "error", err)
			report.PruneErr = err
		} else {
			report.Pruned = deleted
			metricPruned.Add(float64(deleted))
			slog.Info("Pruned old entries", "count", deleted, "retention_days", p.cfg.RetentionDays)
		}
	}

	metricRuns.WithLabelValues("success").Inc()
	return report, nil
}

func (p *Pipeline) fetchAll(ctx context.Context, report *Report) []entry.RawEntry {
	results := make([][]entry.RawEntry, len(p.cfg.Feeds))
	errs := make([]error, len(p.cfg.Feeds))

	var wg sync.WaitGroup
	for i, feedURL := range p.cfg.Feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
			defer cancel()
			results[i], errs[i] = p.fetch(ctx, feedURL)
		}()
	}
	wg.Wait()

	var raws []entry.RawEntry
	for i, feedURL := range p.cfg.Feeds {
		if errs[i] != nil {
			report.FetchErrors = append(report.FetchErrors, FetchError{Feed: feedURL, Err: errs[i]})
			continue
		}
		raws = append(raws, results[i]...)
	}
	return raws
}

func (p *Pipeline) fetch(ctx context.Context, feedURL string) ([]entry.RawEntry, error) {
	logger := slog.With("feed", feedURL)
	logger.Info("Checking feed")

	raws, err := p.source.Fetch(ctx, feedURL)
	if err != nil {
		logger.Error("Failed to fetch feed", "error", err)
		metricFetchCount.WithLabelValues(feedURL, "error").Inc()
		return nil, err
	}
	metricFetchCount.WithLabelValues(feedURL, "success").Inc()

	logger.Debug("Fetched feed", "count", len(raws))
	return raws, nil
}

// filter keeps window entries whose title names a service, oldest first.
func (p *Pipeline) filter(window []entry.FeedEntry) []Match {
	var matched []Match
	for _, e := range window {
		service, ok := p.matcher.Match(e.Title)
		if !ok {
			continue
		}
		metricMatches.WithLabelValues(service).Inc()
		matched = append(matched, Match{Entry: e, Service: service})
	}

	slices.SortFunc(matched, func(a, b Match) int {
		return cmp.Or(
			cmp.Compare(a.Entry.PublishedAt, b.Entry.PublishedAt),
			cmp.Compare(a.Entry.ID, b.Entry.ID),
		)
	})
	return matched
}

// notify broadcasts every match to all webhooks. Delivery errors are
// collected; only cancellation stops the loop.
func (p *Pipeline) notify(ctx context.Context, report *Report) error {
	for _, m := range report.Matched {
		payload := webhook.Payload{
			Title:        m.Entry.Title,
			Summary:      m.Entry.Summary,
			PublishedRaw: m.Entry.PublishedRaw,
			Link:         m.Entry.Link,
		}

		for _, wh := range p.cfg.Webhooks {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("notification interrupted: %w", err)
			}
			if err := p.sender.SendWithRateLimit(ctx, wh, payload); err != nil {
				slog.Error("Failed to post webhook", "id", m.Entry.ID, "webhook", wh.Name, "error", err)
				report.DeliveryFailures = append(report.DeliveryFailures, DeliveryFailure{
					EntryID: m.Entry.ID,
					Webhook: wh.Name,
					Err:     err,
				})
				continue
			}
			report.Delivered++
		}

		slog.Info("Processed matched entry", "id", m.Entry.ID, "service", m.Service, "title", m.Entry.Title)
	}
	return nil
}

// Run executes RunOnce immediately and then on every tick until ctx is done.
// Failed runs are logged and retried on the next tick.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runLogged(ctx)
		}
	}
}

func (p *Pipeline) runLogged(ctx context.Context) {
	report, err := p.RunOnce(ctx)
	if err != nil {
		slog.Error("Pipeline run failed", "error", err)
		return
	}
	slog.Info("Pipeline run finished",
		"fetched", report.Fetched,
		"stored", report.Stored,
		"rejected", len(report.Rejected),
		"undated", len(report.Undated),
		"matched", len(report.Matched),
		"delivered", report.Delivered,
		"delivery_failures", len(report.DeliveryFailures),
		"pruned", report.Pruned)
}
