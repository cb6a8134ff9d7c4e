// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/headlines/internal/scrape"
)

// ArticleStore is an in-memory scrape.Store. Links are unique, mirroring the
// constraint on the Postgres table.
type ArticleStore struct {
	mu       sync.RWMutex
	articles []scrape.Article
	links    map[string]struct{}
	idGen    scrape.IDGenerator
	clock    scrape.Clock
}

// NewArticleStore constructs an ArticleStore.
func NewArticleStore(idGen scrape.IDGenerator, clock scrape.Clock) *ArticleStore {
	return &ArticleStore{
		links: make(map[string]struct{}),
		idGen: idGen,
		clock: clock,
	}
}

// ExistingLinks returns a copy of the stored link set.
func (s *ArticleStore) ExistingLinks(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.links))
	for link := range s.links {
		out[link] = struct{}{}
	}
	return out, nil
}

// InsertBatch stores every record or none. A link already stored, or repeated
// within records, fails the whole batch.
func (s *ArticleStore) InsertBatch(_ context.Context, records []scrape.Candidate) ([]scrape.Article, error) {
	if s.idGen == nil || s.clock == nil {
		return nil, &scrape.StoreError{Op: "insert batch", Err: scrape.ErrStoreNotConfigured}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(records))
	for _, rec := range records {
		_, stored := s.links[rec.Link]
		_, repeated := batch[rec.Link]
		if stored || repeated {
			return nil, &scrape.StoreError{
				Op:  "insert batch",
				Err: fmt.Errorf("%w: %s", scrape.ErrDuplicateLink, rec.Link),
			}
		}
		batch[rec.Link] = struct{}{}
	}

	now := s.clock.Now()
	inserted := make([]scrape.Article, 0, len(records))
	for _, rec := range records {
		id, err := s.idGen.NewID()
		if err != nil {
			return nil, &scrape.StoreError{Op: "insert batch", Err: err}
		}
		inserted = append(inserted, scrape.NewArticle(id, rec, now))
	}

	s.articles = append(s.articles, inserted...)
	for link := range batch {
		s.links[link] = struct{}{}
	}
	return cloneArticles(inserted), nil
}

// ListRecent returns articles newest first; limit <= 0 returns all.
func (s *ArticleStore) ListRecent(_ context.Context, limit int) ([]scrape.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.articles)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]scrape.Article, 0, n)
	for i := len(s.articles) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.articles[i])
	}
	return cloneArticles(out), nil
}

// Close is a no-op.
func (s *ArticleStore) Close() {}

func cloneArticles(src []scrape.Article) []scrape.Article {
	out := make([]scrape.Article, len(src))
	for i, a := range src {
		a.CommentIDs = append([]string{}, a.CommentIDs...)
		out[i] = a
	}
	return out
}
