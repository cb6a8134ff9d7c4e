// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/scrape"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements scrape.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the collector callbacks observed for one visit.
type fetchState struct {
	body   []byte
	status int
	err    error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// The listing page is fetched on every run, so revisits must be allowed.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET and returns the response body. Transport
// failures and non-2xx responses are reported as *scrape.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	state := &fetchState{}
	collector := f.buildCollector(state)

	err := f.runCollector(ctx, collector, url)
	switch {
	case err != nil && ctx.Err() != nil:
		// The visit goroutine may still be writing state; report without it.
		return nil, &scrape.FetchError{URL: url, Err: err}
	case err != nil:
		return nil, f.fail(url, state, start, err)
	case state.err != nil:
		return nil, f.fail(url, state, start, state.err)
	}
	f.logger.Debug("fetch succeeded",
		zap.String("url", url),
		zap.Int("status", state.status),
		zap.Int("bytes", len(state.body)),
		zap.Duration("duration", time.Since(start)),
	)
	return state.body, nil
}

func (f *Fetcher) fail(url string, state *fetchState, start time.Time, err error) error {
	f.logger.Warn("fetch failed",
		zap.String("url", url),
		zap.Int("status", state.status),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return &scrape.FetchError{URL: url, StatusCode: state.status, Err: err}
}

func (f *Fetcher) buildCollector(state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	// Deliver every status to OnResponse; success is decided there.
	collector.ParseHTTPErrorResponse = true

	configureCollectorHooks(collector, state)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, state *fetchState) {
	hooks.OnResponse(func(r *colly.Response) {
		state.status = r.StatusCode
		if !successStatus(r.StatusCode) {
			state.err = fmt.Errorf("unexpected status %d: %s", r.StatusCode, http.StatusText(r.StatusCode))
			return
		}
		state.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.err = err
	})
}

func successStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
