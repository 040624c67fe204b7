package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sparepart-scheduler/internal/admission"
	backendmem "github.com/JakeFAU/sparepart-scheduler/internal/backend/memory"
	"github.com/JakeFAU/sparepart-scheduler/internal/housekeeping"
	"github.com/JakeFAU/sparepart-scheduler/internal/id/uuid"
	ledgermem "github.com/JakeFAU/sparepart-scheduler/internal/ledger/memory"
	"github.com/JakeFAU/sparepart-scheduler/internal/policy/ratelimit"
	queuemem "github.com/JakeFAU/sparepart-scheduler/internal/queue/memory"
	"github.com/JakeFAU/sparepart-scheduler/internal/registry"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type callbackCall struct {
	spider, jobID, reason string
}

type fakeCallbacks struct {
	mu    sync.Mutex
	calls []callbackCall
}

func (f *fakeCallbacks) CompleteAsync(spider, jobID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callbackCall{spider: spider, jobID: jobID, reason: reason})
}

func (f *fakeCallbacks) Calls() []callbackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]callbackCall(nil), f.calls...)
}

type testEnv struct {
	server    *Server
	backend   *backendmem.Backend
	ledger    *ledgermem.Ledger
	queue     *queuemem.Queue
	callbacks *fakeCallbacks
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	reg := registry.Default()
	clock := fakeClock{now: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)}
	env := &testEnv{
		backend:   backendmem.New(uuid.New(), clock),
		ledger:    ledgermem.NewLedger(),
		queue:     queuemem.NewQueue(reg.Names(), clock),
		callbacks: &fakeCallbacks{},
	}
	ctrl, err := admission.New(admission.Deps{
		Registry: reg,
		Queue:    env.queue,
		Ledger:   env.ledger,
		Backend:  env.backend,
		Keeper:   housekeeping.New(afero.NewMemMapFs(), housekeeping.Config{Root: "data/crawljobs"}, nil),
		Clock:    clock,
	})
	require.NoError(t, err)
	env.server = NewServer(ctrl, env.callbacks, env.backend, opts, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) scheduler.Result {
	t.Helper()
	var res scheduler.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.backend.FailListing(fmt.Errorf("listjobs: %w", scheduler.ErrBackendUnavailable))
	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.do(t, http.MethodGet, "/healthz", nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_CrawlSchedulesThenQueues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/crawl?spider=isuzu&merk=isuzu&model=elf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeResult(t, rec)
	require.True(t, first.Success)
	require.Equal(t, scheduler.OutcomeScheduled, first.Status)
	require.NotEmpty(t, first.JobID)

	rec = env.do(t, http.MethodGet, "/crawl?spider=isuzu&merk=isuzu&model=giga", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeResult(t, rec)
	require.True(t, second.Success)
	require.Equal(t, scheduler.OutcomeQueued, second.Status)
	require.Equal(t, "Crawling job has been added to queue list", second.Message)

	job, err := env.ledger.Get(t.Context(), first.JobID)
	require.NoError(t, err)
	require.Equal(t, "elf", job.Params.Value("model"))
}

func TestServer_CrawlSuzukiJoinsModels(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/crawl?spider=suzuki&merk=suzuki&model=apv&model=carry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	subs := env.backend.Submissions()
	require.Len(t, subs, 1)
	require.Equal(t, "apv carry", subs[0].Params.Value("model"))
}

func TestServer_CrawlValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing merk":   "/crawl?spider=isuzu&model=elf",
		"missing model":  "/crawl?spider=isuzu&merk=isuzu",
		"unknown spider": "/crawl?spider=toyota&merk=toyota&model=hilux",
		"bad escape":     "/crawl?spider=isuzu&merk=%zz&model=elf",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, Options{})
			rec := env.do(t, http.MethodGet, target, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			res := decodeResult(t, rec)
			require.False(t, res.Success)
			require.Equal(t, scheduler.OutcomeError, res.Status)
			require.Empty(t, env.backend.Submissions())
		})
	}
}

func TestServer_CrawlJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	body := []byte(`{"spider":"daihatsu","params":{"merk":"daihatsu","model":"xenia","page":2}}`)
	rec := env.do(t, http.MethodPost, "/v1/crawl", body)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	require.Equal(t, scheduler.OutcomeScheduled, res.Status)
	subs := env.backend.Submissions()
	require.Len(t, subs, 1)
	require.Equal(t, "daihatsu", subs[0].Spider)
}

func TestServer_CrawlJSONInvalid(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/crawl", []byte("{invalid"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_CrawlBackendDownStillQueues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.backend.FailListing(fmt.Errorf("listjobs: %w", scheduler.ErrBackendUnavailable))

	rec := env.do(t, http.MethodGet, "/crawl?spider=megazip&merk=toyota&model=hilux", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	require.Equal(t, scheduler.OutcomeQueued, res.Status)
	n, err := env.queue.Count(t.Context(), "megazip")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestServer_QueueListAndCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.do(t, http.MethodGet, "/crawl?spider=isuzu&merk=isuzu&model=elf", nil)
	queued := decodeResult(t, env.do(t, http.MethodGet, "/crawl?spider=isuzu&merk=isuzu&model=giga", nil))
	require.Equal(t, scheduler.OutcomeQueued, queued.Status)

	rec := env.do(t, http.MethodGet, "/queue_list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Success bool                                `json:"success"`
		Queues  map[string][]scheduler.QueueEntry `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.True(t, list.Success)
	require.Len(t, list.Queues["isuzu"], 1)
	id := list.Queues["isuzu"][0].ID
	require.Equal(t, "giga", list.Queues["isuzu"][0].Params.Value("model"))

	target := fmt.Sprintf("/cancel_queue/isuzu/%d", id)
	rec = env.do(t, http.MethodDelete, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)

	rec = env.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)
	require.Contains(t, rec.Body.String(), "not found")
}

func TestServer_CancelQueueBadID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/cancel_queue/isuzu/abc", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_QueueCheckRunsCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/crawler_queue_check/isuzu/abc123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)

	rec = env.do(t, http.MethodGet, "/crawler_queue_check/isuzu/0?reason=shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []callbackCall{
		{spider: "isuzu", jobID: "abc123", reason: "finished"},
		{spider: "isuzu", jobID: "0", reason: "shutdown"},
	}, env.callbacks.Calls())
}

func TestServer_JobsListingAndLookup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	res := decodeResult(t, env.do(t, http.MethodGet, "/crawl?spider=isuzu&merk=isuzu&model=elf", nil))

	rec := env.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), res.JobID)

	rec = env.do(t, http.MethodGet, "/jobs/"+res.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"started"`)

	rec = env.do(t, http.MethodGet, "/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_JobsListingBackendDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.backend.FailListing(errors.New("boom"))

	rec := env.do(t, http.MethodGet, "/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)
}

func TestServer_CancelJobAndLogs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	res := decodeResult(t, env.do(t, http.MethodGet, "/crawl?spider=isuzu&merk=isuzu&model=elf", nil))

	rec := env.do(t, http.MethodGet, "/logs/isuzu/"+res.JobID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/cancel_job/"+res.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)

	rec = env.do(t, http.MethodGet, "/cancel_job/"+res.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "is not running")

	rec = env.do(t, http.MethodGet, "/logs/isuzu/"+res.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{AuthEnabled: true, APIKey: "secret"})

	rec := env.do(t, http.MethodGet, "/queue_list", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/queue_list", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, key := range []string{"secre", "secret2", "SECRET"} {
		req = httptest.NewRequest(http.MethodGet, "/queue_list?api_key="+key, nil)
		rec = httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, key)
	}

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	handler := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{Limiter: ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})})

	rec := env.do(t, http.MethodGet, "/queue_list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/queue_list", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutePrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/jobs", routePrefix("/jobs/abc"))
	require.Equal(t, "/crawl", routePrefix("/crawl"))
	require.Equal(t, "/", routePrefix("/"))
}
