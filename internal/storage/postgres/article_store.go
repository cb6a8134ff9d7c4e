// Package postgres provides the Postgres-backed article store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/headlines/internal/scrape"
)

const (
	defaultTable = "articles"

	uniqueViolation = "23505"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// schemaTemplate creates the articles table. The UNIQUE constraint on link
// guards against concurrent runs racing past the dedup check.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id          UUID PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	link        TEXT NOT NULL UNIQUE,
	author      TEXT NOT NULL DEFAULT '',
	image       TEXT NOT NULL DEFAULT '',
	scraped_at  TIMESTAMPTZ NOT NULL,
	comment_ids TEXT[] NOT NULL DEFAULT '{}'
)`

// ArticleStoreConfig controls the Postgres connection pool used for articles.
type ArticleStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// ArticleStore implements scrape.Store on a pgx pool.
type ArticleStore struct {
	pool  dbPool
	table string
	idGen scrape.IDGenerator
	clock scrape.Clock
}

// NewArticleStore connects to Postgres using the provided config.
func NewArticleStore(
	ctx context.Context,
	cfg ArticleStoreConfig,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewArticleStoreWithPool(pool, cfg.Table, idGen, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewArticleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArticleStoreWithPool(
	pool dbPool,
	table string,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
) (*ArticleStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if idGen == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArticleStore{pool: pool, table: table, idGen: idGen, clock: clock}, nil
}

// Migrate creates the articles table when it does not exist.
func (s *ArticleStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaTemplate, s.table)); err != nil {
		return &scrape.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *ArticleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &scrape.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ExistingLinks returns every stored link.
func (s *ArticleStore) ExistingLinks(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT link FROM %s`, s.table))
	if err != nil {
		return nil, &scrape.StoreError{Op: "existing links", Err: err}
	}
	defer rows.Close()

	links := make(map[string]struct{})
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, &scrape.StoreError{Op: "existing links", Err: fmt.Errorf("scan link: %w", err)}
		}
		links[link] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &scrape.StoreError{Op: "existing links", Err: err}
	}
	return links, nil
}

// InsertBatch inserts all records in one transaction. Any failure, including
// a link collision, rolls back the whole batch.
func (s *ArticleStore) InsertBatch(ctx context.Context, records []scrape.Candidate) ([]scrape.Article, error) {
	if len(records) == 0 {
		return []scrape.Article{}, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &scrape.StoreError{Op: "insert batch", Err: fmt.Errorf("begin: %w", err)}
	}

	inserted, err := s.insertAll(ctx, tx, records)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return nil, &scrape.StoreError{Op: "insert batch", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &scrape.StoreError{Op: "insert batch", Err: fmt.Errorf("commit: %w", err)}
	}
	return inserted, nil
}

func (s *ArticleStore) insertAll(ctx context.Context, tx pgx.Tx, records []scrape.Candidate) ([]scrape.Article, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	title,
	link,
	author,
	image,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6
)`, s.table)

	now := s.clock.Now()
	inserted := make([]scrape.Article, 0, len(records))
	for _, rec := range records {
		id, err := s.idGen.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		article := scrape.NewArticle(id, rec, now)
		_, err = tx.Exec(ctx, query,
			article.ID,
			article.Title,
			article.Link,
			article.Author,
			article.Image,
			article.ScrapedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, fmt.Errorf("%w: %s", scrape.ErrDuplicateLink, rec.Link)
			}
			return nil, fmt.Errorf("insert article: %w", err)
		}
		inserted = append(inserted, article)
	}
	return inserted, nil
}

// ListRecent returns articles newest first; limit <= 0 returns all.
func (s *ArticleStore) ListRecent(ctx context.Context, limit int) ([]scrape.Article, error) {
	query := fmt.Sprintf(`
SELECT id::text, title, link, author, image, scraped_at, comment_ids
FROM %s
ORDER BY scraped_at DESC, id DESC`, s.table)
	args := []any{}
	if limit > 0 {
		query += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &scrape.StoreError{Op: "list recent", Err: err}
	}
	defer rows.Close()

	articles := []scrape.Article{}
	for rows.Next() {
		var a scrape.Article
		if err := rows.Scan(&a.ID, &a.Title, &a.Link, &a.Author, &a.Image, &a.ScrapedAt, &a.CommentIDs); err != nil {
			return nil, &scrape.StoreError{Op: "list recent", Err: fmt.Errorf("scan article: %w", err)}
		}
		if a.CommentIDs == nil {
			a.CommentIDs = []string{}
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &scrape.StoreError{Op: "list recent", Err: err}
	}
	return articles, nil
}
