package scrapyd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return c
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listjobs.json", r.URL.Path)
		assert.Equal(t, "default", r.URL.Query().Get("project"))
		_, _ = w.Write([]byte(`{"status":"ok","pending":[{"id":"p1","spider":"suzuki"}],` +
			`"running":[{"id":"r1","spider":"isuzu","start_time":"2024-01-01 10:00:00","pid":42}],"finished":[]}`))
	})

	listing, err := c.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, listing.Pending, 1)
	require.Len(t, listing.Running, 1)
	assert.Equal(t, 42, listing.Running[0].PID)
	assert.True(t, listing.HasSpider("isuzu"))
	assert.True(t, listing.HasSpider("suzuki"))
	assert.False(t, listing.HasSpider("daihatsu"))
}

func TestSubmitPostsForm(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/schedule.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "default", r.PostForm.Get("project"))
		assert.Equal(t, "isuzu", r.PostForm.Get("spider"))
		assert.Equal(t, "panther", r.PostForm.Get("model"))
		assert.Equal(t, []string{"DOWNLOAD_DELAY=1", "JOBDIR=data/crawljobs/x"}, r.PostForm["setting"])
		_, _ = w.Write([]byte(`{"status":"ok","jobid":"6487ec79947edab326d6db28a2d86511e8247444"}`))
	})

	params := scheduler.Params{}.
		Set("spider", "isuzu").
		Set("model", "panther").
		SetList("setting", "DOWNLOAD_DELAY=1", "JOBDIR=data/crawljobs/x")
	id, err := c.Submit(context.Background(), "isuzu", params)
	require.NoError(t, err)
	assert.Equal(t, "6487ec79947edab326d6db28a2d86511e8247444", id)
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"spider 'nope' not found"}`))
	})

	_, err := c.Submit(context.Background(), "nope", nil)
	require.ErrorIs(t, err, scheduler.ErrDispatchRejected)
	assert.Contains(t, err.Error(), "spider 'nope' not found")
}

func TestNon2xxIsUnavailable(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.ListJobs(context.Background())
	require.ErrorIs(t, err, scheduler.ErrBackendUnavailable)
	_, err = c.Submit(context.Background(), "isuzu", nil)
	require.ErrorIs(t, err, scheduler.ErrBackendUnavailable)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = c.ListJobs(context.Background())
	require.ErrorIs(t, err, scheduler.ErrBackendUnavailable)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/cancel.json", r.URL.Path)
		if r.PostForm.Get("job") == "known" {
			_, _ = w.Write([]byte(`{"status":"ok","prevstate":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","prevstate":null}`))
	})

	ok, err := c.Cancel(context.Background(), "known")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Cancel(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchLog(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/logs/default/parts.com/abc.log" {
			_, _ = w.Write([]byte("2024-01-01 INFO Spider closed (finished)"))
			return
		}
		http.NotFound(w, r)
	})

	text, err := c.FetchLog(context.Background(), "parts.com", "abc")
	require.NoError(t, err)
	assert.Contains(t, text, "Spider closed")

	_, err = c.FetchLog(context.Background(), "parts.com", "missing")
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "localhost:6800"}, nil)
	require.Error(t, err)
}
