// Package app builds the long-lived services described by config.Config and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/headlines/internal/api"
	"github.com/JakeFAU/headlines/internal/clock/system"
	"github.com/JakeFAU/headlines/internal/config"
	"github.com/JakeFAU/headlines/internal/extract"
	"github.com/JakeFAU/headlines/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/headlines/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/headlines/internal/fetcher/headless"
	"github.com/JakeFAU/headlines/internal/hash/sha256"
	"github.com/JakeFAU/headlines/internal/id/uuid"
	redislock "github.com/JakeFAU/headlines/internal/lock/redis"
	"github.com/JakeFAU/headlines/internal/pipeline"
	pubsubpublisher "github.com/JakeFAU/headlines/internal/publisher/pubsub"
	"github.com/JakeFAU/headlines/internal/scrape"
	"github.com/JakeFAU/headlines/internal/storage/gcs"
	"github.com/JakeFAU/headlines/internal/storage/local"
	"github.com/JakeFAU/headlines/internal/storage/memory"
	"github.com/JakeFAU/headlines/internal/storage/postgres"
)

// entryMarker must be present in listing markup that was fully rendered.
const entryMarker = "c-entry-box--compact"

// Options carries dependencies that cannot come from configuration.
type Options struct {
	// GCSOptions are passed to the Cloud Storage client.
	GCSOptions []option.ClientOption
	// PubSubOptions are passed to the Pub/Sub client.
	PubSubOptions []option.ClientOption
}

// App holds the shared services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    scrape.Store
	pipeline *pipeline.Orchestrator
	closers  []func()
}

// New builds every service named by cfg. On error, anything already opened is
// closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock := system.New()
	idGen := uuid.New()

	fetcher, err := a.buildFetcher()
	if err != nil {
		return nil, err
	}
	store, err := a.buildStore(ctx, idGen, clock)
	if err != nil {
		return nil, err
	}
	a.store = store

	var pipelineOpts []pipeline.Option
	blobStore, err := a.buildSnapshotStore(ctx, opts.GCSOptions)
	if err != nil {
		return nil, err
	}
	if blobStore != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithSnapshots(blobStore, sha256.New()))
	}
	publisher, err := a.buildPublisher(ctx, opts.PubSubOptions)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithPublisher(publisher))
	}

	locker, err := a.buildLocker(ctx)
	if err != nil {
		return nil, err
	}
	if locker != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithLocker(locker))
	}

	extractor := extract.New(extract.Config{
		SourceDomain:  cfg.Source.Domain,
		DefaultAuthor: cfg.Extract.DefaultAuthor,
	}, logger.Named("extract"))

	a.pipeline = pipeline.New(
		fetcher,
		extractor,
		store,
		clock,
		pipeline.Config{
			SourceURL:      cfg.Source.URL,
			FetchTimeout:   cfg.RunFetchTimeout(),
			SnapshotPrefix: cfg.Snapshot.Prefix,
			Topic:          cfg.PubSub.TopicName,
		},
		logger.Named("pipeline"),
		pipelineOpts...,
	)

	logger.Info("application services initialized",
		zap.String("source", cfg.Source.URL),
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("snapshot", cfg.Snapshot.Backend),
		zap.Bool("publish", publisher != nil),
		zap.Bool("distributed_lock", locker != nil),
	)
	return a, nil
}

// Pipeline returns the scrape orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator {
	return a.pipeline
}

// Store returns the article store.
func (a *App) Store() scrape.Store {
	return a.store
}

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	opts := api.Options{DefaultLimit: a.cfg.Articles.DefaultLimit}
	if pinger, ok := a.store.(api.Pinger); ok {
		opts.Ready = pinger
	}
	return api.NewServer(a.pipeline, a.store, opts, a.logger.Named("api"))
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildFetcher() (scrape.Fetcher, error) {
	cfg := a.cfg
	switch cfg.Fetcher.Mode {
	case config.FetcherColly, config.FetcherHeadless, config.FetcherAuto:
	default:
		return nil, fmt.Errorf("unknown fetcher mode %q", cfg.Fetcher.Mode)
	}

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	}, a.logger.Named("fetcher.colly"))
	if cfg.Fetcher.Mode == config.FetcherColly {
		return probe, nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		UserAgent:         cfg.Fetcher.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout(),
		SettleDelay:       time.Duration(cfg.Headless.SettleDelayMs) * time.Millisecond,
	}, a.logger.Named("fetcher.headless"))
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.onClose(headless.Close)

	if cfg.Fetcher.Mode == config.FetcherHeadless {
		return headless, nil
	}
	detector := auto.NewHeuristic(cfg.Headless.PromotionThresh, entryMarker)
	return auto.New(probe, headless, detector, a.logger.Named("fetcher.auto")), nil
}

func (a *App) buildStore(ctx context.Context, idGen scrape.IDGenerator, clock scrape.Clock) (scrape.Store, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageMemory:
		return memory.NewArticleStore(idGen, clock), nil
	case config.StoragePostgres:
		db := a.cfg.DB
		store, err := postgres.NewArticleStore(ctx, postgres.ArticleStoreConfig{
			DSN:             db.DSN,
			Table:           db.Table,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: time.Duration(db.MaxConnLifetimeMinute) * time.Minute,
		}, idGen, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.onClose(store.Close)
		if db.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate postgres store: %w", err)
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) buildSnapshotStore(ctx context.Context, opts []option.ClientOption) (scrape.BlobStore, error) {
	snap := a.cfg.Snapshot
	switch snap.Backend {
	case "", config.SnapshotNone:
		return nil, nil
	case config.SnapshotMemory:
		return memory.NewBlobStore(), nil
	case config.SnapshotLocal:
		store, err := local.New(local.Config{BaseDir: snap.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local snapshot store: %w", err)
		}
		return store, nil
	case config.SnapshotGCS:
		client, err := gcsstorage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.onClose(func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("close storage client failed", zap.Error(cerr))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: snap.GCSBucket, SourceURL: a.cfg.Source.URL})
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshot store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", snap.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context, opts []option.ClientOption) (scrape.Publisher, error) {
	ps := a.cfg.PubSub
	if ps.TopicName == "" {
		return nil, nil
	}
	if ps.ProjectID == "" {
		return nil, errors.New("pubsub.project_id is required when pubsub.topic_name is set")
	}
	publisher, err := pubsubpublisher.Dial(ctx, ps.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.onClose(func() {
		if cerr := publisher.Close(); cerr != nil {
			a.logger.Warn("close pubsub publisher failed", zap.Error(cerr))
		}
	})
	return publisher, nil
}

func (a *App) buildLocker(ctx context.Context) (scrape.Locker, error) {
	lock := a.cfg.Lock
	switch lock.Backend {
	case "", config.LockNone:
		return nil, nil
	case config.LockRedis:
		locker, err := redislock.Dial(ctx, redislock.Config{
			Address:  lock.RedisAddress,
			Password: lock.RedisPassword,
			DB:       lock.RedisDB,
			Key:      lock.Key,
			TTL:      a.cfg.LockTTL(),
		})
		if err != nil {
			return nil, fmt.Errorf("init redis lock: %w", err)
		}
		a.onClose(func() {
			if cerr := locker.Close(); cerr != nil {
				a.logger.Warn("close redis lock failed", zap.Error(cerr))
			}
		})
		return locker, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", lock.Backend)
	}
}
