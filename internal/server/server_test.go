package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"briefcast/internal/capability"
	"briefcast/internal/config"
	"briefcast/internal/db"
	"briefcast/internal/domain"
	"briefcast/internal/engine"
	"briefcast/internal/engine/auth"
	"briefcast/internal/metrics"
	"briefcast/internal/migrate"
	"briefcast/internal/monitor"
)

type echoText struct{}

func (echoText) Generate(_ context.Context, req capability.TextRequest) (string, error) {
	return "spoken: " + req.Messages[len(req.Messages)-1].Content, nil
}

type testServer struct {
	URL     string
	Engine  engine.Engine
	Handler http.Handler
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", DSN: db.SQLiteDSN(filepath.Join(t.TempDir(), "test.db"))}, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Pipeline.BaseDelay = config.Duration(time.Millisecond)
	cfg.Pipeline.MaxDelay = config.Duration(time.Millisecond)
	e := engine.New(conn, dialect, cfg, nil)
	e.Text = echoText{}
	m := metrics.New()
	e.Metrics = m
	handler, err := New(Config{
		Engine:   e,
		Monitor:  monitor.Monitor{Store: e.Repo, Metrics: m},
		Metrics:  m,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: secret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Handler: handler,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, secret string, perms ...string) map[string]string {
	t.Helper()
	token, err := auth.Issue(secret, "tester", perms, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestWorkerHealthAndRun(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers/narrate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("worker health status %d: %s", res.StatusCode, data)
	}
	var health WorkerHealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health.Status != "healthy" || health.Component != "narrate-worker" || health.Timestamp == "" {
		t.Fatalf("unexpected health: %+v", health)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"category":    "weather",
		"target_date": "2026-05-05",
		"content":     "Sunny, 21C.",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create record status %d: %s", res.StatusCode, data)
	}
	var created domain.ContentRecord
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/narrate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("worker run status %d: %s", res.StatusCode, data)
	}
	var run WorkerRunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if !run.Success || run.ProcessedCount != 3 || run.FailedCount != 0 || run.Errors == nil {
		t.Fatalf("unexpected run: %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/lineages/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lineage status %d: %s", res.StatusCode, data)
	}
	var view engine.LineageView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal lineage: %v", err)
	}
	if view.Outcome != engine.OutcomeFull || len(view.Records) != 3 {
		t.Fatalf("unexpected lineage: %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records?status=ready_for_stage3", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"variant":"concise"`) {
		t.Fatalf("list records status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers/stage9", nil, nil)
	if res.StatusCode != http.StatusNotFound || !strings.Contains(string(data), `"code":"not_found"`) {
		t.Fatalf("unknown stage status %d: %s", res.StatusCode, data)
	}
}

func TestWorkerRunBatchReadFailure(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	srv.Engine.Repo.DB.Close()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workers/shape", nil, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.StatusCode, data)
	}
	var run WorkerRunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if run.Success || len(run.Errors) == 0 {
		t.Fatalf("expected success=false with errors: %s", data)
	}
}

func TestAuthEnforcement(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, secret)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public: %d %s", res.StatusCode, data)
	}
	if res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers/shape", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("worker liveness should be public: %d %s", res.StatusCode, data)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/shape", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(string(data), `"code":"unauthorized"`) {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/shape", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/shape", nil, bearer(t, secret, auth.PermRecordsRead))
	if res.StatusCode != http.StatusForbidden || !strings.Contains(string(data), auth.PermStageRun) {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/shape", nil, bearer(t, secret, auth.PermStageRun))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with stage.run, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, bearer(t, secret, auth.PermAll))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"healthy":true`) {
		t.Fatalf("status with wildcard: %d %s", res.StatusCode, data)
	}
}

func TestRecordResetAndErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"category":    "news",
		"target_date": "2026-05-05",
	}, nil)
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "parameters.source") {
		t.Fatalf("expected validation error, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"owner_id":    "listener-1",
		"category":    "quote",
		"target_date": "2026-05-05",
		"content":     "   ",
		"parameters":  map[string]any{"source": "<script>track()</script>"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var rec domain.ContentRecord
	json.Unmarshal(data, &rec)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+rec.ID+"/reset", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("fresh record should not reset, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/shape", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"failed_count":1`) {
		t.Fatalf("shape run: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+rec.ID+"/reset", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"ready_for_stage1"`) {
		t.Fatalf("reset failed record: %d %s", res.StatusCode, data)
	}
}

func TestRecordNotFoundAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound || !strings.Contains(string(data), `"error"`) {
		t.Fatalf("expected 404 envelope, got %d: %s", res.StatusCode, data)
	}
	for i := 0; i < 3; i++ {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/synthesize", nil, nil)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=batch.*&limit=4", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var page EventList
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 4 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor: %s", data)
	}
	if page.Items[0].ID < page.Items[1].ID {
		t.Fatalf("events should be newest first")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=batch.*&limit=4&cursor="+page.NextCursor, nil, nil)
	var older EventList
	json.Unmarshal(data, &older)
	if res.StatusCode != http.StatusOK || len(older.Items) != 2 || older.NextCursor != "" {
		t.Fatalf("unexpected second page: %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "briefcast_batch_runs_total") {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

type memEvents struct {
	events []domain.Event
}

func (m *memEvents) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) LatestEventID(context.Context) (int64, error) { return 1, nil }

func TestWebhookDispatchesFailures(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var signatures []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r.Header.Get("X-Briefcast-Event"))
		signatures = append(signatures, r.Header.Get("X-Briefcast-Signature"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	src := &memEvents{events: []domain.Event{
		{ID: 1, EventType: "narrate.failed"},
		{ID: 2, EventType: "narrate.succeeded"},
		{ID: 3, EventType: "synthesize.failed", RecordID: "r1"},
		{ID: 4, EventType: domain.EventBatchFailed},
	}}
	d := NewWebhookDispatcher(src, []config.WebhookConfig{{URL: receiver.URL, Secret: "k"}}, nil, nil)
	d.DispatchAll(context.Background())
	d.DispatchAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "synthesize.failed,batch.failed" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if !strings.HasPrefix(signatures[0], "sha256=") {
		t.Fatalf("missing signature: %q", signatures[0])
	}
}

func TestEventFilterPatterns(t *testing.T) {
	f := newEventFilter([]string{"narrate.*", "record.expired"})
	for evt, want := range map[string]bool{
		"narrate.failed":    true,
		"narrate.started":   true,
		"record.expired":    true,
		"shape.failed":      false,
		"fanout.completed":  false,
		"narrateX.anything": false,
	} {
		if f.match(evt) != want {
			t.Fatalf("match(%s) != %v", evt, want)
		}
	}
}

func TestWorkerRunOutlivesCallerCancellation(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	ctx := context.Background()
	rec, err := srv.Engine.Enqueue(ctx, engine.NewRecord{
		Category:   "quote",
		TargetDate: "2026-05-05",
		OwnerID:    "listener-1",
		Content:    "Well begun is half done.",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	gone, cancel := context.WithCancel(ctx)
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v0/workers/narrate", nil).WithContext(gone)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out WorkerRunResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.ProcessedCount != 1 {
		t.Fatalf("unexpected run response %+v", out)
	}
	got, err := srv.Engine.Repo.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusReadyForStage3 {
		t.Fatalf("record left in %s", got.Status)
	}
}
