package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-ingest-worker/internal/mailbox"
	"calendar-ingest-worker/internal/model"
	"calendar-ingest-worker/internal/repository"
	"calendar-ingest-worker/internal/testutil"
)

type fakeSupervisor struct {
	running  bool
	statuses []mailbox.Status
	stopped  []string
}

func (f *fakeSupervisor) IsRunning() bool { return f.running }
func (f *fakeSupervisor) Status() []mailbox.Status { return f.statuses }

func (f *fakeSupervisor) StopSession(providerID string) bool {
	for _, st := range f.statuses {
		if st.ProviderID == providerID {
			f.stopped = append(f.stopped, providerID)
			return true
		}
	}
	return false
}

func setup(t *testing.T) (*gin.Engine, *fakeSupervisor, *repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.New(testutil.NewTestDB(t))
	sup := &fakeSupervisor{
		running: true,
		statuses: []mailbox.Status{
			{ProviderID: "p1", Mailbox: "INBOX", State: mailbox.StateIdling, Connected: true},
			{ProviderID: "p2", Mailbox: "INBOX", State: mailbox.StateBackoff, LastError: "failed to connect: timeout"},
			{ProviderID: "p3", State: "not_started"},
		},
	}

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "calendar_worker_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	r := gin.New()
	NewHandlers(repo.DB(), sup, repo, reg).SetupRoutes(r)
	return r, sup, repo
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	r, _, _ := setup(t)

	w := do(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Equal(t, "running", resp.Supervisor)
	assert.Equal(t, map[string]int{"idling": 1, "backoff": 1, "not_started": 1}, resp.Sessions)
}

func TestHealthCheckDatabaseDown(t *testing.T) {
	r, _, repo := setup(t)
	sqlDB, err := repo.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := do(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "error", resp.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := setup(t)

	w := do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "calendar_worker_test_total 1"))
}

func TestSessionEndpoints(t *testing.T) {
	r, sup, _ := setup(t)

	w := do(r, http.MethodGet, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var list SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.True(t, list.Running)
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, "failed to connect: timeout", list.Sessions[1].LastError)

	w = do(r, http.MethodGet, "/api/v1/sessions/p1")
	require.Equal(t, http.StatusOK, w.Code)
	var one mailbox.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, mailbox.StateIdling, one.State)
	assert.True(t, one.Connected)

	w = do(r, http.MethodGet, "/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/v1/sessions/p2/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"p2"}, sup.stopped)

	w = do(r, http.MethodPost, "/api/v1/sessions/missing/stop")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetIngestLogs(t *testing.T) {
	r, _, repo := setup(t)
	ctx := context.Background()
	for uid := uint32(1); uid <= 3; uid++ {
		require.NoError(t, repo.LogIngest(ctx, &model.IngestLog{
			ProviderID: "p1",
			Mailbox:    "INBOX",
			UID:        uid,
			Outcome:    model.OutcomeInserted,
		}))
	}
	require.NoError(t, repo.LogIngest(ctx, &model.IngestLog{ProviderID: "p2", UID: 1, Outcome: model.OutcomeNotEvent}))

	w := do(r, http.MethodGet, "/api/v1/ingest-logs?provider_id=p1&limit=2&page=1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs       []IngestLogResponse `json:"logs"`
		Pagination struct {
			Page  int   `json:"page"`
			Limit int   `json:"limit"`
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Logs, 2)
	assert.Equal(t, uint32(3), resp.Logs[0].UID)
	assert.Equal(t, "inserted", resp.Logs[0].Outcome)
	assert.Equal(t, int64(3), resp.Pagination.Total)
	assert.Equal(t, 2, resp.Pagination.Limit)

	w = do(r, http.MethodGet, "/api/v1/ingest-logs?limit=500")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 50, resp.Pagination.Limit)
	assert.Equal(t, int64(4), resp.Pagination.Total)
}
