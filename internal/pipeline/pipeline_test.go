package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/extract"
	"github.com/JakeFAU/headlines/internal/scrape"
	"github.com/JakeFAU/headlines/internal/storage/memory"
)

const sourceURL = "https://www.polygon.com"

type entry struct {
	title  string
	link   string
	author string
}

func listing(entries ...entry) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, e := range entries {
		b.WriteString(`<div class="c-entry-box--compact"><div class="c-entry-box--compact__body">`)
		fmt.Fprintf(&b, `<h2><a href=%q>%s</a></h2>`, e.link, e.title)
		if e.author != "" {
			fmt.Fprintf(&b, `<div class="c-byline"><span class="c-byline__item"><a>%s</a></span></div>`, e.author)
		}
		b.WriteString(`</div></div>`)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

type fakeFetcher struct {
	body  []byte
	err   error
	calls atomic.Int32
	urls  []string
	mu    sync.Mutex
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore() *memory.ArticleStore {
	return memory.NewArticleStore(&seqIDs{}, fixedClock{t: testTime})
}

func newOrchestrator(f scrape.Fetcher, store scrape.Store, opts ...Option) *Orchestrator {
	return New(
		f,
		extract.New(extract.Config{}, zap.NewNop()),
		store,
		fixedClock{t: testTime},
		Config{SourceURL: sourceURL, Topic: "articles"},
		zap.NewNop(),
		opts...,
	)
}

func TestRunInsertsExtractedArticles(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: listing(
		entry{title: "One", link: "https://www.polygon.com/1", author: "Jane"},
		entry{title: "Two", link: "https://www.polygon.com/2"},
	)}
	store := newStore()

	res, err := newOrchestrator(f, store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Extracted)
	require.Len(t, res.Inserted, 2)
	require.Equal(t, "https://www.polygon.com/1", res.Inserted[0].Link)
	require.Equal(t, "Jane", res.Inserted[0].Author)
	require.Equal(t, extract.DefaultAuthor, res.Inserted[1].Author)
	require.Equal(t, testTime, res.Inserted[0].ScrapedAt)
	require.NotEmpty(t, res.Inserted[0].ID)
	require.Equal(t, []string{sourceURL}, f.urls)
}

func TestRunDropsIntraBatchDuplicates(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: listing(
		entry{title: "First", link: "https://www.polygon.com/a"},
		entry{title: "Second", link: "https://www.polygon.com/a"},
	)}

	res, err := newOrchestrator(f, newStore()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	require.Equal(t, "First", res.Inserted[0].Title)
	require.Equal(t, 1, res.DuplicatesInBatch)
}

func TestRunSkipsStoredLinks(t *testing.T) {
	t.Parallel()

	store := newStore()
	_, err := store.InsertBatch(context.Background(), []scrape.Candidate{{Title: "X", Link: "https://www.polygon.com/x"}})
	require.NoError(t, err)

	f := &fakeFetcher{body: listing(
		entry{title: "X again", link: "https://www.polygon.com/x"},
		entry{title: "New", link: "https://www.polygon.com/new"},
	)}

	res, err := newOrchestrator(f, store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://www.polygon.com/new"}, scrape.Links(res.Inserted))
	require.Equal(t, 1, res.DuplicatesInStore)
}

func TestRunExcludesEntriesWithoutLink(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: []byte(`<html><body>
<div class="c-entry-box--compact"><div class="c-entry-box--compact__body"><h2><a>Broken</a></h2></div></div>
<div class="c-entry-box--compact"><div class="c-entry-box--compact__body"><h2><a href="https://www.polygon.com/ok">Ok</a></h2></div></div>
</body></html>`)}

	res, err := newOrchestrator(f, newStore()).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Extracted)
	require.Equal(t, []string{"https://www.polygon.com/ok"}, scrape.Links(res.Inserted))
}

type countingStore struct {
	*memory.ArticleStore
	existingCalls atomic.Int32
	insertCalls   atomic.Int32
}

func (s *countingStore) ExistingLinks(ctx context.Context) (map[string]struct{}, error) {
	s.existingCalls.Add(1)
	return s.ArticleStore.ExistingLinks(ctx)
}

func (s *countingStore) InsertBatch(ctx context.Context, records []scrape.Candidate) ([]scrape.Article, error) {
	s.insertCalls.Add(1)
	return s.ArticleStore.InsertBatch(ctx, records)
}

// cancelingStore cancels the caller's context once existing links are loaded.
type cancelingStore struct {
	*memory.ArticleStore
	cancel    context.CancelFunc
	insertErr error
}

func (s *cancelingStore) ExistingLinks(ctx context.Context) (map[string]struct{}, error) {
	links, err := s.ArticleStore.ExistingLinks(ctx)
	s.cancel()
	return links, err
}

func (s *cancelingStore) InsertBatch(ctx context.Context, records []scrape.Candidate) ([]scrape.Article, error) {
	s.insertErr = ctx.Err()
	return s.ArticleStore.InsertBatch(ctx, records)
}

func TestRunInsertSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelingStore{ArticleStore: newStore(), cancel: cancel}
	f := &fakeFetcher{body: listing(entry{title: "One", link: "https://www.polygon.com/1"})}

	res, err := newOrchestrator(f, store).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, store.insertErr)
	require.Len(t, res.Inserted, 1)

	stored, err := store.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestRunFetchErrorAbortsBeforeStore(t *testing.T) {
	t.Parallel()

	fetchErr := &scrape.FetchError{URL: sourceURL, StatusCode: 503, Err: errors.New("unavailable")}
	store := &countingStore{ArticleStore: newStore()}

	res, err := newOrchestrator(&fakeFetcher{err: fetchErr}, store).Run(context.Background())
	require.Error(t, err)
	var got *scrape.FetchError
	require.ErrorAs(t, err, &got)
	require.Equal(t, 503, got.StatusCode)
	require.Nil(t, res.Inserted)
	require.Zero(t, store.existingCalls.Load())
	require.Zero(t, store.insertCalls.Load())
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: listing(
		entry{title: "One", link: "https://www.polygon.com/1"},
		entry{title: "Two", link: "https://www.polygon.com/2"},
	)}
	store := &countingStore{ArticleStore: newStore()}
	o := newOrchestrator(f, store)

	first, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Inserted, 2)

	second, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second.Inserted)
	require.Empty(t, second.Inserted)
	require.Equal(t, 2, second.DuplicatesInStore)
	require.EqualValues(t, 1, store.insertCalls.Load())
}

func TestRunPreservesExtractionOrder(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: listing(
		entry{title: "c", link: "https://www.polygon.com/c"},
		entry{title: "a", link: "https://www.polygon.com/a"},
		entry{title: "c dup", link: "https://www.polygon.com/c"},
		entry{title: "b", link: "https://www.polygon.com/b"},
	)}

	res, err := newOrchestrator(f, newStore()).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://www.polygon.com/c",
		"https://www.polygon.com/a",
		"https://www.polygon.com/b",
	}, scrape.Links(res.Inserted))
}

type failingStore struct {
	*memory.ArticleStore
	existingErr error
	insertErr   error
}

func (s *failingStore) ExistingLinks(ctx context.Context) (map[string]struct{}, error) {
	if s.existingErr != nil {
		return nil, s.existingErr
	}
	return s.ArticleStore.ExistingLinks(ctx)
}

func (s *failingStore) InsertBatch(ctx context.Context, records []scrape.Candidate) ([]scrape.Article, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	return s.ArticleStore.InsertBatch(ctx, records)
}

func TestRunStoreErrors(t *testing.T) {
	t.Parallel()

	body := listing(entry{title: "One", link: "https://www.polygon.com/1"})
	cases := map[string]*failingStore{
		"existing links": {
			ArticleStore: newStore(),
			existingErr:  &scrape.StoreError{Op: "existing links", Err: errors.New("connection refused")},
		},
		"insert batch": {
			ArticleStore: newStore(),
			insertErr:    &scrape.StoreError{Op: "insert batch", Err: scrape.ErrDuplicateLink},
		},
	}
	for name, store := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := newOrchestrator(&fakeFetcher{body: body}, store).Run(context.Background())
			var storeErr *scrape.StoreError
			require.ErrorAs(t, err, &storeErr)
			require.Equal(t, name, storeErr.Op)
		})
	}
}

type fakeHasher struct{ err error }

func (h fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	return fmt.Sprintf("len%d", len(data)), nil
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

type publishCall struct {
	topic   string
	payload map[string]any
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.calls = append(p.calls, publishCall{topic: topic, payload: payload.(map[string]any)})
	return fmt.Sprintf("msg-%d", len(p.calls)), nil
}

func TestRunStoresSnapshotAndPublishes(t *testing.T) {
	t.Parallel()

	body := listing(entry{title: "One", link: "https://www.polygon.com/1"})
	blobs := memory.NewBlobStore()
	pub := &fakePublisher{}

	o := newOrchestrator(&fakeFetcher{body: body}, newStore(),
		WithSnapshots(blobs, fakeHasher{}),
		WithPublisher(pub),
	)
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	stored, ok := blobs.Object(fmt.Sprintf("snapshots/len%d.html", len(body)))
	require.True(t, ok)
	require.Equal(t, body, stored)

	require.Len(t, pub.calls, 1)
	require.Equal(t, "articles", pub.calls[0].topic)
	require.Equal(t, 1, pub.calls[0].payload["count"])
	require.Equal(t, []string{"https://www.polygon.com/1"}, pub.calls[0].payload["links"])
	require.Equal(t, testTime.Format(time.RFC3339), pub.calls[0].payload["scraped_at"])
}

func TestRunSkipsPublishWhenNothingInserted(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	o := newOrchestrator(&fakeFetcher{body: listing()}, newStore(), WithPublisher(pub))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Inserted)
	require.Empty(t, pub.calls)
}

func TestRunSideEffectFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	body := listing(entry{title: "One", link: "https://www.polygon.com/1"})
	cases := map[string][]Option{
		"hash":    {WithSnapshots(memory.NewBlobStore(), fakeHasher{err: errors.New("boom")})},
		"blob":    {WithSnapshots(failingBlobStore{}, fakeHasher{})},
		"publish": {WithPublisher(&fakePublisher{err: errors.New("topic not found")})},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			res, err := newOrchestrator(&fakeFetcher{body: body}, newStore(), opts...).Run(context.Background())
			require.NoError(t, err)
			require.Len(t, res.Inserted, 1)
		})
	}
}

func TestSnapshotPathPrefix(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{cfg: Config{SnapshotPrefix: "/polygon/"}}
	require.Equal(t, "polygon/snapshots/abc.html", o.snapshotPath("abc"))

	o.cfg.SnapshotPrefix = ""
	require.Equal(t, "snapshots/abc.html", o.snapshotPath("abc"))
}

func TestRunRequiresCollaborators(t *testing.T) {
	t.Parallel()

	o := New(nil, nil, nil, nil, Config{}, nil)
	_, err := o.Run(context.Background())
	require.Error(t, err)
}

type blockingFetcher struct {
	body    []byte
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *blockingFetcher) Fetch(context.Context, string) ([]byte, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return f.body, nil
}

func TestConcurrentRunsAreSerialized(t *testing.T) {
	t.Parallel()

	f := &blockingFetcher{body: listing(
		entry{title: "One", link: "https://www.polygon.com/1"},
		entry{title: "Two", link: "https://www.polygon.com/2"},
	)}
	o := newOrchestrator(f, newStore())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Run(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inserted += len(res.Inserted)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, f.maxSeen.Load())
	require.Equal(t, 2, inserted)
}

func TestFetchTimeoutApplied(t *testing.T) {
	t.Parallel()

	var deadlineSet bool
	f := fetchFunc(func(ctx context.Context, _ string) ([]byte, error) {
		_, deadlineSet = ctx.Deadline()
		return listing(), nil
	})
	o := New(f, extract.New(extract.Config{}, nil), newStore(), nil,
		Config{SourceURL: sourceURL, FetchTimeout: time.Second}, nil)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, deadlineSet)
}

type fetchFunc func(ctx context.Context, url string) ([]byte, error)

func (fn fetchFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return fn(ctx, url)
}

type fakeLocker struct {
	held     bool
	acquired int
	released int
	err      error
}

func (l *fakeLocker) Acquire(context.Context) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, scrape.ErrRunInProgress
	}
	l.held = true
	l.acquired++
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, nil
}

func TestRunHoldsLockerAroundRun(t *testing.T) {
	t.Parallel()

	locker := &fakeLocker{}
	f := &fakeFetcher{body: listing(entry{title: "One", link: "https://www.polygon.com/1"})}
	o := newOrchestrator(f, newStore(), WithLocker(locker))

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, locker.acquired)
	require.Equal(t, 1, locker.released)
	require.False(t, locker.held)
}

func TestRunReleasesLockOnFailure(t *testing.T) {
	t.Parallel()

	locker := &fakeLocker{}
	fetchErr := &scrape.FetchError{URL: sourceURL, StatusCode: 500, Err: errors.New("boom")}
	o := newOrchestrator(&fakeFetcher{err: fetchErr}, newStore(), WithLocker(locker))

	_, err := o.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, locker.released)
}

func TestRunLockedElsewhere(t *testing.T) {
	t.Parallel()

	locker := &fakeLocker{held: true}
	f := &fakeFetcher{body: listing()}
	o := newOrchestrator(f, newStore(), WithLocker(locker))

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, scrape.ErrRunInProgress)
	require.Zero(t, f.calls.Load())
}
