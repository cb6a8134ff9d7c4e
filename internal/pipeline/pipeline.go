// Package pipeline runs one scrape: fetch, extract, deduplicate, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/dedupe"
	"github.com/JakeFAU/headlines/internal/metrics"
	"github.com/JakeFAU/headlines/internal/scrape"
)

const (
	defaultSnapshotContentType = "text/html; charset=utf-8"
	defaultInsertTimeout       = 30 * time.Second
)

// Extractor parses listing markup into candidates.
type Extractor interface {
	Extract(body []byte) ([]scrape.Candidate, error)
}

// Config controls Orchestrator behavior.
type Config struct {
	// SourceURL is the listing page fetched on every run.
	SourceURL string
	// FetchTimeout bounds the fetch step. Zero leaves it to the fetcher.
	FetchTimeout time.Duration
	// SnapshotPrefix is prepended to snapshot blob paths.
	SnapshotPrefix string
	// Topic receives a notification after every non-empty insert.
	Topic string
	// InsertTimeout bounds the batch insert. Zero selects 30s.
	InsertTimeout time.Duration
}

// Result summarizes one run.
type Result struct {
	Inserted          []scrape.Article `json:"inserted"`
	Extracted         int              `json:"extracted"`
	DuplicatesInBatch int              `json:"duplicates_in_batch"`
	DuplicatesInStore int              `json:"duplicates_in_store"`
}

// Orchestrator wires the pipeline stages together. Runs are serialized so the
// existing-link snapshot and the insert of one run never interleave with
// another run in the same process.
type Orchestrator struct {
	fetcher   scrape.Fetcher
	extractor Extractor
	store     scrape.Store
	blobStore scrape.BlobStore
	hasher    scrape.Hasher
	publisher scrape.Publisher
	locker    scrape.Locker
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger

	mu sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshots stores the raw markup of every run in blobStore.
func WithSnapshots(blobStore scrape.BlobStore, hasher scrape.Hasher) Option {
	return func(o *Orchestrator) {
		o.blobStore = blobStore
		o.hasher = hasher
	}
}

// WithPublisher announces inserted articles on cfg.Topic.
func WithPublisher(publisher scrape.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithLocker guards every run with a lock shared across processes.
func WithLocker(locker scrape.Locker) Option {
	return func(o *Orchestrator) {
		o.locker = locker
	}
}

// New constructs an Orchestrator.
func New(
	fetcher scrape.Fetcher,
	extractor Extractor,
	store scrape.Store,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the settings the orchestrator runs with.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run executes one scrape and returns the newly inserted articles.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	res, err := o.lockedRun(ctx)
	metrics.ObserveRun(outcome(err), time.Since(start))
	if err != nil {
		o.logger.Error("scrape run failed", zap.String("url", o.cfg.SourceURL), zap.Error(err))
		return Result{}, err
	}
	metrics.ObserveArticles(res.Extracted, res.DuplicatesInBatch, res.DuplicatesInStore, len(res.Inserted))
	o.logger.Info("scrape run finished",
		zap.String("url", o.cfg.SourceURL),
		zap.Int("extracted", res.Extracted),
		zap.Int("duplicates_in_batch", res.DuplicatesInBatch),
		zap.Int("duplicates_in_store", res.DuplicatesInStore),
		zap.Int("inserted", len(res.Inserted)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) lockedRun(ctx context.Context) (Result, error) {
	if o.locker == nil {
		return o.run(ctx)
	}
	release, err := o.locker.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		// release with a fresh context so a canceled run still frees the lock
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			o.logger.Warn("release run lock failed", zap.Error(err))
		}
	}()
	return o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) (Result, error) {
	if o.fetcher == nil || o.extractor == nil || o.store == nil {
		return Result{}, errors.New("pipeline: fetcher, extractor and store are required")
	}

	body, err := o.fetch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch listing: %w", err)
	}
	o.snapshot(ctx, body)

	candidates, err := o.extractor.Extract(body)
	if err != nil {
		return Result{}, fmt.Errorf("extract listing: %w", err)
	}

	existing, err := o.store.ExistingLinks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load existing links: %w", err)
	}

	fresh, stats := dedupe.Filter(candidates, existing)
	res := Result{
		Inserted:          []scrape.Article{},
		Extracted:         len(candidates),
		DuplicatesInBatch: stats.InBatch,
		DuplicatesInStore: stats.InStore,
	}
	if len(fresh) == 0 {
		o.logger.Debug("no new articles", zap.Int("extracted", len(candidates)))
		return res, nil
	}

	inserted, err := o.insert(ctx, fresh)
	if err != nil {
		return Result{}, fmt.Errorf("insert articles: %w", err)
	}
	if inserted != nil {
		res.Inserted = inserted
	}
	o.notify(ctx, res.Inserted)
	return res, nil
}

func (o *Orchestrator) fetch(ctx context.Context) ([]byte, error) {
	fetchCtx := ctx
	if o.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
	}
	return o.fetcher.Fetch(fetchCtx, o.cfg.SourceURL)
}

// insert is detached from caller cancellation so a deadline that fires
// mid-commit cannot report failure for rows that were persisted.
func (o *Orchestrator) insert(ctx context.Context, records []scrape.Candidate) ([]scrape.Article, error) {
	timeout := o.cfg.InsertTimeout
	if timeout <= 0 {
		timeout = defaultInsertTimeout
	}
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return o.store.InsertBatch(insertCtx, records)
}

// snapshot archives the raw markup. Failures are logged and never abort the run.
func (o *Orchestrator) snapshot(ctx context.Context, body []byte) {
	if o.blobStore == nil || o.hasher == nil {
		return
	}
	hash, err := o.hasher.Hash(body)
	if err != nil {
		o.logger.Warn("hash snapshot failed", zap.Error(err))
		return
	}
	uri, err := o.blobStore.PutObject(ctx, o.snapshotPath(hash), defaultSnapshotContentType, body)
	if err != nil {
		o.logger.Warn("store snapshot failed", zap.String("hash", hash), zap.Error(err))
		return
	}
	o.logger.Debug("snapshot stored", zap.String("uri", uri))
}

func (o *Orchestrator) snapshotPath(hash string) string {
	prefix := strings.Trim(o.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("snapshots/%s.html", hash)
	}
	return fmt.Sprintf("%s/snapshots/%s.html", prefix, hash)
}

// notify publishes the inserted links. Failures are logged and never abort the run.
func (o *Orchestrator) notify(ctx context.Context, inserted []scrape.Article) {
	if o.publisher == nil || o.cfg.Topic == "" || len(inserted) == 0 {
		return
	}
	payload := map[string]any{
		"count":      len(inserted),
		"links":      scrape.Links(inserted),
		"scraped_at": o.now().Format(time.RFC3339),
	}
	msgID, err := o.publisher.Publish(ctx, o.cfg.Topic, payload)
	if err != nil {
		o.logger.Warn("publish notification failed", zap.String("topic", o.cfg.Topic), zap.Error(err))
		return
	}
	o.logger.Info("notification published",
		zap.String("topic", o.cfg.Topic),
		zap.String("message_id", msgID),
		zap.Int("count", len(inserted)),
	)
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}

func outcome(err error) string {
	var fetchErr *scrape.FetchError
	var storeErr *scrape.StoreError
	switch {
	case err == nil:
		return metrics.RunSucceeded
	case errors.As(err, &fetchErr):
		return metrics.RunFetchFailed
	case errors.As(err, &storeErr):
		return metrics.RunStoreFailed
	case errors.Is(err, scrape.ErrRunInProgress):
		return metrics.RunLocked
	default:
		return metrics.RunFailed
	}
}
