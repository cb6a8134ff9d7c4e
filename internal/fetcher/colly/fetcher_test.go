package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/scrape"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "headlines-test", Timeout: time.Second}, zap.NewNop())
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, string(body), "ok")
	require.Equal(t, "headlines-test", gotUA)
}

func TestFetchAllowsRepeatedVisits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("page"))
	}))
	defer srv.Close()

	f := New(Config{}, nil)
	for i := 0; i < 2; i++ {
		body, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		require.Equal(t, "page", string(body))
	}
}

func TestFetchNon2xxIsFetchError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "unavailable", status: http.StatusServiceUnavailable},
		{name: "not modified", status: http.StatusNotModified},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("down"))
			}))
			defer srv.Close()

			f := New(Config{Timeout: time.Second}, zap.NewNop())
			body, err := f.Fetch(context.Background(), srv.URL)
			require.Nil(t, body)

			var fetchErr *scrape.FetchError
			require.ErrorAs(t, err, &fetchErr)
			require.Equal(t, tc.status, fetchErr.StatusCode)
			require.Equal(t, srv.URL, fetchErr.URL)
		})
	}
}

func TestFetchAcceptsEvery2xx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "non-authoritative", status: http.StatusNonAuthoritativeInfo},
		{name: "partial content", status: http.StatusPartialContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("<html><body>listing</body></html>"))
			}))
			defer srv.Close()

			body, err := New(Config{Timeout: time.Second}, zap.NewNop()).Fetch(context.Background(), srv.URL)
			require.NoError(t, err)
			require.Contains(t, string(body), "listing")
		})
	}
}

func TestFetchTransportFailureIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}, nil).Fetch(context.Background(), url)
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
}

func TestFetchHonorsContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Config{Timeout: 5 * time.Second}, nil).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	state := &fetchState{}
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, state)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: []byte("body")})
	require.Equal(t, "body", string(state.body))
	require.Equal(t, http.StatusOK, state.status)
	require.NoError(t, state.err)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusNonAuthoritativeInfo, Body: []byte("mirror")})
	require.Equal(t, "mirror", string(state.body))
	require.NoError(t, state.err)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusBadGateway, Body: []byte("oops")})
	require.Equal(t, http.StatusBadGateway, state.status)
	require.EqualError(t, state.err, "unexpected status 502: Bad Gateway")

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.Equal(t, http.StatusNotFound, state.status)
	require.EqualError(t, state.err, "Not Found")

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, state.err, "boom")
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "agent", RespectRobots: true}, nil)
	collector := f.buildCollector(&fetchState{})
	require.Equal(t, "agent", collector.UserAgent)
	require.False(t, collector.IgnoreRobotsTxt)
	require.True(t, collector.AllowURLRevisit)
	require.True(t, collector.ParseHTTPErrorResponse)
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
