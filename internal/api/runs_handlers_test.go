package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lenslate/internal/metrics"
	"lenslate/internal/store"
)

type fakeRunRepo struct {
	mu         sync.Mutex
	list       []store.JobRun
	byID       map[string]store.JobRun
	hosts      map[string][]store.HostStats
	lastStatus *store.JobRunStatus
	lastLimit  int
	lastOffset int
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		byID:  make(map[string]store.JobRun),
		hosts: make(map[string][]store.HostStats),
	}
}

func (f *fakeRunRepo) UpsertJobStart(context.Context, string, string, time.Time) error { return nil }

func (f *fakeRunRepo) CompleteJob(context.Context, string, time.Time, store.JobRunStatus, *string) error {
	return nil
}

func (f *fakeRunRepo) UpsertHostStats(context.Context, string, string, int64, int64, string, time.Time) error {
	return nil
}

func (f *fakeRunRepo) GetRun(_ context.Context, jobID string) (store.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.byID[jobID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) ListRuns(_ context.Context, status *store.JobRunStatus, limit, offset int) ([]store.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStatus = status
	f.lastLimit = limit
	f.lastOffset = offset
	return f.list, nil
}

func (f *fakeRunRepo) ListRunHosts(_ context.Context, jobID string, limit, offset int) ([]store.HostStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	f.lastOffset = offset
	return f.hosts[jobID], nil
}

func seedRun(repo *fakeRunRepo, run store.JobRun) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	repo.list = append(repo.list, run)
	repo.byID[run.ID] = run
}

func newRunsServer(t *testing.T, repo store.RunRepository) http.Handler {
	t.Helper()
	deps, _, _ := newTestDeps(t)
	deps.Runs = repo
	return NewServer(deps, testConfig(), zap.NewNop()).Handler()
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	metrics.Init()

	repo := newFakeRunRepo()
	finished := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	errMsg := "fetch failed"
	seedRun(repo, store.JobRun{
		ID:        "run-1",
		Mode:      "lens_images",
		StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Status:    store.RunRunning,
	})
	seedRun(repo, store.JobRun{
		ID:           "run-2",
		Mode:         "lens_text",
		StartedAt:    time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC),
		FinishedAt:   &finished,
		Status:       store.RunError,
		ErrorMessage: &errMsg,
	})
	handler := newRunsServer(t, repo)

	rec := doRequest(t, handler, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	runs, ok := body["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 2)

	first, ok := runs[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "run-1", first["id"])
	require.Equal(t, "lens_images", first["mode"])
	require.Equal(t, "running", first["status"])
	require.Equal(t, "2024-05-01T10:00:00Z", first["started_at"])
	_, hasFinished := first["finished_at"]
	require.False(t, hasFinished)
	_, hasError := first["error"]
	require.False(t, hasError)

	second, ok := runs[1].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "error", second["status"])
	require.Equal(t, "2024-05-01T10:05:00Z", second["finished_at"])
	require.Equal(t, "fetch failed", second["error"])

	require.Equal(t, defaultRunLimit, repo.lastLimit)
	require.Equal(t, 0, repo.lastOffset)
	require.Nil(t, repo.lastStatus)
}

func TestListRunsQueryHandling(t *testing.T) {
	t.Parallel()
	metrics.Init()

	repo := newFakeRunRepo()
	handler := newRunsServer(t, repo)

	rec := doRequest(t, handler, http.MethodGet, "/api/runs?status=done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunDone, *repo.lastStatus)

	rec = doRequest(t, handler, http.MethodGet, "/api/runs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.RunError, *repo.lastStatus)

	rec = doRequest(t, handler, http.MethodGet, "/api/runs?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid status", decodeBody(t, rec)["error"])

	rec = doRequest(t, handler, http.MethodGet, "/api/runs?limit=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid limit", decodeBody(t, rec)["error"])

	rec = doRequest(t, handler, http.MethodGet, "/api/runs?limit=nope", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/api/runs?offset=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid offset", decodeBody(t, rec)["error"])

	rec = doRequest(t, handler, http.MethodGet, "/api/runs?limit=99999&offset=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxRunLimit, repo.lastLimit)
	require.Equal(t, 20, repo.lastOffset)
}

func TestGetRun(t *testing.T) {
	t.Parallel()
	metrics.Init()

	repo := newFakeRunRepo()
	seedRun(repo, store.JobRun{
		ID:        "run-9",
		Mode:      "lens_text",
		StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Status:    store.RunDone,
	})
	handler := newRunsServer(t, repo)

	rec := doRequest(t, handler, http.MethodGet, "/api/runs/run-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run, ok := decodeBody(t, rec)["run"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "run-9", run["id"])
	require.Equal(t, "done", run["status"])

	rec = doRequest(t, handler, http.MethodGet, "/api/runs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "run not found", decodeBody(t, rec)["error"])
}

func TestListRunHosts(t *testing.T) {
	t.Parallel()
	metrics.Init()

	repo := newFakeRunRepo()
	repo.hosts["run-9"] = []store.HostStats{
		{
			JobID:      "run-9",
			Host:       "lens.google.com",
			LastUpdate: time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC),
			Requests:   4,
			BytesTotal: 2048,
			Fetch2xx:   3,
			Fetch4xx:   1,
		},
	}
	handler := newRunsServer(t, repo)

	rec := doRequest(t, handler, http.MethodGet, "/api/runs/run-9/hosts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hosts, ok := decodeBody(t, rec)["hosts"].([]any)
	require.True(t, ok)
	require.Len(t, hosts, 1)
	host, ok := hosts[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "lens.google.com", host["host"])
	require.Equal(t, float64(4), host["requests"])
	require.Equal(t, float64(2048), host["bytes_total"])
	require.Equal(t, float64(3), host["fetch_2xx"])
	require.Equal(t, float64(1), host["fetch_4xx"])
	require.Equal(t, defaultHostsLimit, repo.lastLimit)
}

func TestRunsEndpointsUnavailableWithoutRepo(t *testing.T) {
	t.Parallel()
	metrics.Init()

	handler := newRunsServer(t, nil)
	for _, path := range []string{"/api/runs", "/api/runs/run-1", "/api/runs/run-1/hosts"} {
		rec := doRequest(t, handler, http.MethodGet, path, "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "run repository unavailable", decodeBody(t, rec)["error"])
	}
}
