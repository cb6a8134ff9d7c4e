package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/metrics"
	"github.com/JakeFAU/headlines/internal/pipeline"
	"github.com/JakeFAU/headlines/internal/scrape"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultArticleLimit   = 24
)

// Runner executes one scrape.
type Runner interface {
	Run(ctx context.Context) (pipeline.Result, error)
}

// ArticleLister reads stored articles.
type ArticleLister interface {
	ListRecent(ctx context.Context, limit int) ([]scrape.Article, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes Server behavior.
type Options struct {
	// DefaultLimit applies to /v1/articles when no limit is given.
	// Zero selects 24.
	DefaultLimit int
	// RequestTimeout bounds every request. Zero selects 60s.
	RequestTimeout time.Duration
	// Ready is consulted by /readyz. Nil means always ready.
	Ready Pinger
}

// Server wires HTTP handlers to the pipeline and the article store.
type Server struct {
	router   chi.Router
	runner   Runner
	articles ArticleLister
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, articles ArticleLister, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = defaultArticleLimit
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		runner:   runner,
		articles: articles,
		opts:     opts,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/scrape", s.scrape)
		r.Post("/scrape", s.scrape)
		r.Get("/articles", s.listArticles)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeResponse struct {
	Inserted          []scrape.Article `json:"inserted"`
	Count             int              `json:"count"`
	Extracted         int              `json:"extracted"`
	DuplicatesInBatch int              `json:"duplicates_in_batch"`
	DuplicatesInStore int              `json:"duplicates_in_store"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.Run(r.Context())
	if err != nil {
		status := statusForError(err)
		// A fetch aborted by the request deadline is a timeout, not a bad upstream.
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	inserted := res.Inserted
	if inserted == nil {
		inserted = []scrape.Article{}
	}
	s.writeJSON(w, http.StatusOK, scrapeResponse{
		Inserted:          inserted,
		Count:             len(inserted),
		Extracted:         res.Extracted,
		DuplicatesInBatch: res.DuplicatesInBatch,
		DuplicatesInStore: res.DuplicatesInStore,
	})
}

type articlesResponse struct {
	Articles []scrape.Article `json:"articles"`
	Count    int              `json:"count"`
}

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	articles, err := s.articles.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list articles failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list articles")
		return
	}
	if articles == nil {
		articles = []scrape.Article{}
	}
	s.writeJSON(w, http.StatusOK, articlesResponse{Articles: articles, Count: len(articles)})
}

// statusForError maps pipeline failures onto HTTP statuses.
func statusForError(err error) int {
	var fetchErr *scrape.FetchError
	var storeErr *scrape.StoreError
	switch {
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.As(err, &storeErr):
		return http.StatusInternalServerError
	case errors.Is(err, scrape.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", RequestID(r.Context())),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds the request context. Handlers observe the deadline
// and write their own response.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
