package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"lenslate/internal/auth"
	"lenslate/internal/config"
	"lenslate/internal/export"
	"lenslate/internal/lens"
	"lenslate/internal/metrics"
	"lenslate/internal/queue"
	queuememory "lenslate/internal/queue/memory"
	storagememory "lenslate/internal/storage/memory"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	items   []lens.QueueItem
	err     error
	started bool
}

func (d *fakeDispatcher) Submit(item lens.QueueItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.items = append(d.items, item)
	return nil
}

func (d *fakeDispatcher) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *fakeDispatcher) submitted() []lens.QueueItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]lens.QueueItem, len(d.items))
	copy(out, d.items)
	return out
}

type stubIDGen struct {
	id string
}

func (g *stubIDGen) NewID() (string, error) { return g.id, nil }

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fakeBrowserState struct {
	alive    bool
	inflight int
}

func (b fakeBrowserState) Alive() bool   { return b.alive }
func (b fakeBrowserState) Inflight() int { return b.inflight }

func testClock() fixedClock {
	return fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestDeps(t *testing.T) (Deps, *fakeDispatcher, *storagememory.ResultStore) {
	t.Helper()
	clock := testClock()
	disp := &fakeDispatcher{}
	results := storagememory.NewResultStore(clock)
	queues := queue.NewSet(
		queue.Named{Mode: lens.ModeImages, Queue: queuememory.NewQueue(4)},
		queue.Named{Mode: lens.ModeText, Queue: queuememory.NewQueue(4)},
	)
	deps := Deps{
		Results:    results,
		Dispatcher: disp,
		Queues:     queues,
		IDGen:      &stubIDGen{id: "job-1"},
		Clock:      clock,
		Hub:        NewHub(zap.NewNop()),
	}
	return deps, disp, results
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Workers.Images = 8
	cfg.Workers.Text = 3
	cfg.Server.RequestTimeout = 5
	return cfg
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, _, _ := newTestDeps(t)
	srv := NewServer(deps, testConfig(), zap.NewNop())

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "2024-05-01T12:00:00Z", body["timestamp"])

	head := doRequest(t, srv.Handler(), http.MethodHead, "/health", "")
	require.Equal(t, http.StatusOK, head.Code)
}

func TestReadyzReflectsWiring(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, _, _ := newTestDeps(t)
	srv := NewServer(deps, testConfig(), zap.NewNop())
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decodeBody(t, rec)["status"])

	bare := NewServer(Deps{Clock: testClock()}, testConfig(), zap.NewNop())
	rec = doRequest(t, bare.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not ready", decodeBody(t, rec)["error"])
}

func TestSubmitJobAcceptsAndQueues(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, disp, results := newTestDeps(t)
	workersStarted := false
	deps.StartWorkers = func() { workersStarted = true }
	srv := NewServer(deps, testConfig(), zap.NewNop())

	payload := `{"mode":"lens_images","src":"https://example.com/menu.png","metadata":{"image_id":"img-1"}}`
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/translate", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "job-1", body["id"])
	require.Equal(t, "queued", body["status"])
	require.True(t, workersStarted)

	items := disp.submitted()
	require.Len(t, items, 1)
	require.Equal(t, "job-1", items[0].ID)
	require.Equal(t, string(lens.ModeImages), items[0].Job.Mode)
	require.Equal(t, "en", items[0].Job.Lang)
	require.Len(t, items[0].Job.Metadata.Pipeline, 1)
	require.Equal(t, lens.StageReceivedREST, items[0].Job.Metadata.Pipeline[0].Stage)

	res, err := results.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, lens.StatusQueued, res.Status)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()
	metrics.Init()

	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "invalid json",
			body: `{"mode":`,
			want: "invalid JSON",
		},
		{
			name: "missing image id",
			body: `{"mode":"lens_images","src":"https://example.com/a.png","metadata":{}}`,
			want: "metadata.image_id is required",
		},
		{
			name: "blob src",
			body: `{"mode":"lens_images","src":"blob:https://example.com/x","metadata":{"image_id":"i"}}`,
			want: "blob URLs are not supported",
		},
		{
			name: "unsupported mode",
			body: `{"mode":"lens_other","src":"https://example.com/a.png","metadata":{"image_id":"i"}}`,
			want: "unsupported mode",
		},
	}

	deps, disp, _ := newTestDeps(t)
	srv := NewServer(deps, testConfig(), zap.NewNop())

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, srv.Handler(), http.MethodPost, "/translate", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, decodeBody(t, rec)["error"], tc.want)
		})
	}
	require.Empty(t, disp.submitted())
}

func TestSubmitJobQueueFull(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, disp, results := newTestDeps(t)
	disp.err = lens.ErrQueueFull
	srv := NewServer(deps, testConfig(), zap.NewNop())

	payload := `{"mode":"lens_text","src":"https://example.com/a.png","metadata":{"image_id":"i"}}`
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/translate", payload)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	require.Equal(t, lens.ErrQueueFull.Error(), decodeBody(t, rec)["error"])

	// A rejected submit must leave nothing behind to poll.
	require.Equal(t, 0, results.Len())
}

func TestPollJob(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, _, results := newTestDeps(t)
	srv := NewServer(deps, testConfig(), zap.NewNop())

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/translate/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, lens.ErrUnknownJob.Error(), decodeBody(t, rec)["error"])

	ctx := context.Background()
	require.NoError(t, results.SetDone(ctx, "done-job", lens.Document{lens.DocKeyText: "hola"}))
	rec = doRequest(t, srv.Handler(), http.MethodGet, "/translate/done-job", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "done-job", body["id"])
	require.Equal(t, string(lens.StatusDone), body["status"])
	payload, ok := body["result"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hola", payload[lens.DocKeyText])

	require.NoError(t, results.SetError(ctx, "failed-job", "boom", lens.KindRuntime))
	rec = doRequest(t, srv.Handler(), http.MethodGet, "/translate/failed-job", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, string(lens.StatusError), body["status"])
	require.Equal(t, "boom", body["result"])
	require.Equal(t, lens.KindRuntime, body["error_type"])
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, disp, results := newTestDeps(t)
	disp.started = true
	deps.Browser = fakeBrowserState{alive: true, inflight: 2}
	srv := NewServer(deps, testConfig(), zap.NewNop())

	require.NoError(t, results.CreateQueued(context.Background(), "held"))

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "2024-05-01T12:00:00Z", body["timestamp"])

	service, ok := body["service"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, service["workers_started"])
	require.Equal(t, float64(1), service["results_held"])
	require.Equal(t, float64(0), service["ws_clients"])

	workers, ok := service["workers"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(8), workers[string(lens.ModeImages)])
	require.Equal(t, float64(3), workers[string(lens.ModeText)])

	depths, ok := service["queue_depth"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(0), depths[string(lens.ModeImages)])

	browser, ok := service["browser"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, browser["alive"])
	require.Equal(t, float64(2), browser["inflight_tabs"])

	// No collector wired, so there is no host section.
	_, hasHost := body["host"]
	require.False(t, hasHost)
}

func TestExportJob(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, _, results := newTestDeps(t)
	srv := NewServer(deps, testConfig(), zap.NewNop())
	ctx := context.Background()

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/translate/missing/export", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, results.CreateQueued(ctx, "pending"))
	rec = doRequest(t, srv.Handler(), http.MethodGet, "/translate/pending/export", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "job is queued, not done", decodeBody(t, rec)["error"])

	doc := lens.Document{
		lens.DocKeyAnnotations: []lens.Annotation{
			{
				Description: "hello world",
				BoundingPoly: lens.BoundingPoly{Vertices: []lens.Vertex{
					{X: 10, Y: 20}, {X: 110, Y: 20}, {X: 110, Y: 60}, {X: 10, Y: 60},
				}},
				Rotate: 1.5,
			},
		},
	}
	require.NoError(t, results.SetDone(ctx, "finished", doc))
	rec = doRequest(t, srv.Handler(), http.MethodGet, "/translate/finished/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "finished.xlsx")

	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer func() { require.NoError(t, wb.Close()) }()

	text, err := wb.GetCellValue(export.SheetName, "A2")
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
	width, err := wb.GetCellValue(export.SheetName, "D2")
	require.NoError(t, err)
	require.Equal(t, "100", width)
}

func TestIssueToken(t *testing.T) {
	t.Parallel()
	metrics.Init()

	clock := testClock()
	tokens, err := auth.New("topsecret", time.Hour, clock)
	require.NoError(t, err)

	deps, _, _ := newTestDeps(t)
	deps.Tokens = tokens
	srv := NewServer(deps, testConfig(), zap.NewNop())

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/auth/token", `{"client_id":"ext-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	token, ok := body["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)
	require.Equal(t, "2024-05-01T13:00:00Z", body["expires_at"])

	claims, err := tokens.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "ext-7", claims.ClientID)

	// Without a client_id the token is issued for "anonymous".
	rec = doRequest(t, srv.Handler(), http.MethodPost, "/auth/token", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	claims, err = tokens.Verify(decodeBody(t, rec)["token"].(string))
	require.NoError(t, err)
	require.Equal(t, "anonymous", claims.ClientID)
}

func TestIssueTokenAbsentWhenAuthDisabled(t *testing.T) {
	t.Parallel()
	metrics.Init()

	deps, _, _ := newTestDeps(t)
	srv := NewServer(deps, testConfig(), zap.NewNop())

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/auth/token", `{"client_id":"ext-7"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
