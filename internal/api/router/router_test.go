package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cuongbtq/formrelay/internal/api/dto"
	"github.com/cuongbtq/formrelay/internal/api/handler"
	"github.com/cuongbtq/formrelay/internal/intake"
	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/pipeline/storage"
	"github.com/cuongbtq/formrelay/internal/pipeline/transform"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const farmerRegistration = `{"id":"sub-1","form":{"@name":"Farmer Registration"},"household":"H1","participant":"P1"}`

type fakeClient struct {
	mu  sync.Mutex
	ops []string
	err error
}

func (c *fakeClient) Deliver(_ context.Context, op domain.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op.Name+"("+op.Key+")")
	return c.err
}

func (c *fakeClient) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// brokenStore fails reads and pings as an unreachable database would.
type brokenStore struct {
	*storage.MemoryStore
}

func (s brokenStore) FindByStatusAndTypes(context.Context, storage.Query) ([]*domain.Job, error) {
	return nil, domain.ErrStoreUnavailable
}

func (s brokenStore) Ping(context.Context) error {
	return domain.ErrStoreUnavailable
}

type testEnv struct {
	router *gin.Engine
	store  *storage.MemoryStore
	client *fakeClient
}

func newTestEnv(t *testing.T, wrap ...func(storage.JobStore) storage.JobStore) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := storage.NewMemoryStore()
	var store storage.JobStore = mem
	for _, w := range wrap {
		store = w(store)
	}

	client := &fakeClient{}
	d, err := dispatcher.New(dispatcher.Config{
		Store:    store,
		Registry: transform.Default(),
		Client:   client,
		Logger:   discard,
		Origins: []dispatcher.OriginPolicy{
			{Name: transform.OriginCommCare, RetryLimit: 3},
			{Name: transform.OriginSalesforce, RetryLimit: 3},
		},
	})
	require.NoError(t, err)

	var origins []intake.Origin
	for name, cls := range map[string]intake.Classifier{
		transform.OriginCommCare:   intake.CommCare,
		transform.OriginSalesforce: intake.Salesforce,
	} {
		p, err := d.Policy(name)
		require.NoError(t, err)
		origins = append(origins, intake.Origin{Name: name, Classifier: cls, JobTypes: p.JobTypes})
	}

	r := SetupRouter(&handler.Dependencies{
		Logger:      discard,
		ServiceName: "formrelay-api",
		Store:       store,
		Intake:      intake.NewService(store, origins, nil, discard),
		Pipeline:    d,
	}, Options{MaxBodyBytes: 4 << 10})

	return &testEnv{router: r, store: mem, client: client}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) submit(t *testing.T, body string) dto.SubmitResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/commcare/submissions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[dto.SubmitResponse](t, w)
}

func TestSubmitStoresWithoutProcessing(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submit(t, farmerRegistration)

	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "Farmer Registration", resp.JobType)
	assert.Equal(t, "sub-1", resp.ExternalID)
	assert.Empty(t, env.client.delivered())

	job, err := env.store.Get(context.Background(), transform.OriginCommCare, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, job.Status)
	assert.JSONEq(t, farmerRegistration, string(job.Payload))
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{name: "malformed json", path: "/api/v1/commcare/submissions", body: `{"form":`, wantCode: http.StatusBadRequest},
		{name: "missing form name", path: "/api/v1/commcare/submissions", body: `{"form":{}}`, wantCode: http.StatusBadRequest},
		{name: "unknown job type", path: "/api/v1/commcare/submissions", body: `{"form":{"@name":"Coffee Census"}}`, wantCode: http.StatusUnprocessableEntity},
		{name: "job type of another origin", path: "/api/v1/salesforce/submissions", body: `{"jobType":"Farmer Registration"}`, wantCode: http.StatusUnprocessableEntity},
		{name: "unknown origin", path: "/api/v1/kobo/submissions", body: farmerRegistration, wantCode: http.StatusNotFound},
		{
			name:     "body too large",
			path:     "/api/v1/commcare/submissions",
			body:     `{"form":{"@name":"Farmer Registration"},"pad":"` + strings.Repeat("x", 8<<10) + `"}`,
			wantCode: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(t, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)

			counts, err := env.store.CountByStatus(context.Background(), transform.OriginCommCare, nil)
			require.NoError(t, err)
			assert.Zero(t, counts[domain.StatusNew])
		})
	}
}

func TestDispatchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	sub := env.submit(t, farmerRegistration)

	w := env.do(t, http.MethodPost, "/api/v1/commcare/dispatch", "")
	require.Equal(t, http.StatusOK, w.Code)

	report := decode[dto.ReportDTO](t, w)
	assert.Equal(t, "dispatch", report.Cycle)
	assert.Equal(t, []string{sub.ID}, report.Processed)
	assert.Equal(t, 1, report.Completed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"household_upsert(H1)", "participant_upsert(P1)"}, env.client.delivered())
}

func TestDispatchReportsRecordFailuresWith200(t *testing.T) {
	env := newTestEnv(t)
	env.client.err = domain.NewTransportError("household_upsert", errors.New("connection refused"))
	sub := env.submit(t, farmerRegistration)

	w := env.do(t, http.MethodPost, "/api/v1/commcare/dispatch", "")
	require.Equal(t, http.StatusOK, w.Code)

	report := decode[dto.ReportDTO](t, w)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, sub.ID, report.Failed[0].ID)
	assert.Contains(t, report.Failed[0].Error, "[transport]")

	w = env.do(t, http.MethodPost, "/api/v1/commcare/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "retry", decode[dto.ReportDTO](t, w).Cycle)

	job, err := env.store.Get(context.Background(), transform.OriginCommCare, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 2, job.RunRetries)
	assert.NotNil(t, job.LastRetriedAt)
}

func TestDispatchStoreFailureIs500(t *testing.T) {
	env := newTestEnv(t, func(s storage.JobStore) storage.JobStore {
		return brokenStore{MemoryStore: s.(*storage.MemoryStore)}
	})

	w := env.do(t, http.MethodPost, "/api/v1/commcare/dispatch", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"formrelay-api"}`, w.Body.String())
}

func TestGetByExternalID(t *testing.T) {
	env := newTestEnv(t)
	sub := env.submit(t, farmerRegistration)

	w := env.do(t, http.MethodGet, "/api/v1/commcare/jobs/external/sub-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Jobs []dto.JobDTO `json:"jobs"`
	}](t, w)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, sub.ID, body.Jobs[0].ID)
	assert.Equal(t, "new", body.Jobs[0].Status)
	assert.JSONEq(t, farmerRegistration, string(body.Jobs[0].Payload))

	w = env.do(t, http.MethodGet, "/api/v1/commcare/jobs/external/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/salesforce/jobs/external/sub-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "lookups are scoped to the origin")
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, farmerRegistration)
	env.submit(t, `{"id":"sub-2","form":{"@name":"Farmer Registration"},"household":"H2","participant":"P2"}`)
	env.submit(t, `{"id":"sub-3","form":{"@name":"Training Observation","case":{"@case_id":"TS1"}}}`)

	w := env.do(t, http.MethodGet, "/api/v1/commcare/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	stats := decode[dto.StatsResponse](t, w)
	assert.Equal(t, map[string]int64{"new": 3, "processing": 0, "completed": 0, "failed": 0}, stats.Counts)
	assert.Equal(t, int64(3), stats.Total)

	w = env.do(t, http.MethodGet, "/api/v1/commcare/stats?job_type=Farmer+Registration", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decode[dto.StatsResponse](t, w).Total)
}

func TestListJobsPaginates(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		env.submit(t, `{"id":"`+id+`","form":{"@name":"Farmer Registration"},"household":"H","participant":"P"}`)
	}

	w := env.do(t, http.MethodGet, "/api/v1/commcare/jobs?page_size=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[dto.ListJobsResponse](t, w)
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Empty(t, first.Jobs[0].Payload, "list views leave the payload out")

	w = env.do(t, http.MethodGet, "/api/v1/commcare/jobs?page_size=2&cursor="+first.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[dto.ListJobsResponse](t, w)
	require.Len(t, second.Jobs, 1)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(first.Jobs, second.Jobs...) {
		seen[j.ExternalID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestListJobsValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
	}{
		{name: "bad cursor", path: "/api/v1/commcare/jobs?cursor=not*base64"},
		{name: "undecodable cursor", path: "/api/v1/commcare/jobs?cursor=bm90LWEtY3Vyc29y"},
		{name: "bad status", path: "/api/v1/commcare/jobs?status=archived"},
		{name: "bad page size", path: "/api/v1/commcare/jobs?page_size=ten"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListFailed(t *testing.T) {
	env := newTestEnv(t)
	env.client.err = domain.NewRemoteRejection("household_upsert", errors.New("REQUIRED_FIELD_MISSING"))
	env.submit(t, farmerRegistration)
	env.submit(t, `{"id":"sub-2","form":{"@name":"Farmer Registration"},"household":"H2","participant":"P2"}`)
	env.do(t, http.MethodPost, "/api/v1/commcare/dispatch", "")
	env.submit(t, `{"id":"sub-3","form":{"@name":"Farmer Registration"},"household":"H3","participant":"P3"}`)

	w := env.do(t, http.MethodGet, "/api/v1/commcare/failed", "")
	require.Equal(t, http.StatusOK, w.Code)

	list := decode[dto.ListJobsResponse](t, w)
	require.Len(t, list.Jobs, 2)
	for _, j := range list.Jobs {
		assert.Equal(t, "failed", j.Status)
		assert.Contains(t, j.Error, "[remote_rejection]")
	}
}

func TestReplay(t *testing.T) {
	env := newTestEnv(t)
	sub := env.submit(t, farmerRegistration)
	env.do(t, http.MethodPost, "/api/v1/commcare/dispatch", "")
	require.Len(t, env.client.delivered(), 2)

	t.Run("single by GET", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/commcare/replay/sub-1", "")
		require.Equal(t, http.StatusOK, w.Code)

		report := decode[dto.ReportDTO](t, w)
		assert.Equal(t, "replay", report.Cycle)
		assert.Equal(t, []string{sub.ID}, report.Processed)
		assert.Len(t, env.client.delivered(), 4, "completed jobs are delivered again")
	})

	t.Run("single by POST", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/commcare/replay/sub-1", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("batch with unknown ids", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/commcare/replay", `{"external_ids":["sub-1","ghost"]}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"ghost"}, decode[dto.ReportDTO](t, w).NotFound)
	})

	t.Run("nothing found", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/commcare/replay/ghost", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("empty batch", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/commcare/replay", `{"external_ids":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	job, err := env.store.Get(context.Background(), transform.OriginCommCare, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.NotNil(t, job.LastRetriedAt)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	env.client.err = domain.NewTransportError("household_upsert", errors.New("timeout"))
	sub := env.submit(t, farmerRegistration)
	env.do(t, http.MethodPost, "/api/v1/commcare/dispatch", "")
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/v1/commcare/retry", "")
	}

	job, err := env.store.Get(context.Background(), transform.OriginCommCare, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 3, job.RunRetries)

	w := env.do(t, http.MethodPost, "/api/v1/commcare/reset", `{"external_ids":["sub-1"],"status":"new"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.ResetResponse{Status: "new", Updated: 1}, decode[dto.ResetResponse](t, w))

	job, err = env.store.Get(context.Background(), transform.OriginCommCare, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, job.Status)
	assert.Equal(t, 0, job.RunRetries)
}

func TestResetValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing status", body: `{"external_ids":["sub-1"]}`},
		{name: "unknown status", body: `{"external_ids":["sub-1"],"status":"archived"}`},
		{name: "empty selector", body: `{"status":"new"}`},
		{name: "not json", body: `status=new`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/commcare/reset", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestUnknownOriginOnEveryRoute(t *testing.T) {
	env := newTestEnv(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/kobo/dispatch"},
		{http.MethodPost, "/api/v1/kobo/retry"},
		{http.MethodGet, "/api/v1/kobo/jobs"},
		{http.MethodGet, "/api/v1/kobo/stats"},
		{http.MethodPost, "/api/v1/kobo/reset"},
	} {
		w := env.do(t, route.method, route.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, route.path)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/commcare/dispatch", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
