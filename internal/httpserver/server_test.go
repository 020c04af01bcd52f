package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/lookout/internal/collector"
	"github.com/tinytelemetry/lookout/internal/metrics"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/sqlstore"
)

const testToken = "test-token"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*sqlstore.Store, http.Handler) {
	t.Helper()
	store, err := sqlstore.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{
		Backend: store,
		Token:   testToken,
		Metrics: metrics.NewCollector("lookout_test").Handler(),
	})
	return store, srv.Handler()
}

func seed(t *testing.T, store *sqlstore.Store) (*model.Entry, *model.Entry) {
	t.Helper()
	now := time.Now().UTC()
	req := model.NewEntry(map[string]any{"uri": "/orders"}).WithType(model.TypeRequest).WithBatchID("b1").WithTags("Auth:7")
	req.RecordedAt = now
	q := model.NewEntry(map[string]any{"sql": "select 1"}).WithType(model.TypeQuery).WithBatchID("b1")
	q.RecordedAt = now.Add(-time.Second)
	if err := store.Create(context.Background(), []*model.Entry{req, q}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req, q
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(collector.APIKeyHeader, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelopeBody {
	t.Helper()
	var env envelopeBody
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v; body: %s", err, w.Body.String())
	}
	return env
}

func TestHealthEndpoint(t *testing.T) {
	store, h := newTestServer(t)
	seed(t, store)

	w := do(t, h, http.MethodGet, "/api/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
	if body["entry_count"] != float64(2) {
		t.Errorf("entry_count = %v, want 2", body["entry_count"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/health", nil, "")
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("lookout_test_")) {
		t.Errorf("metrics body missing namespace")
	}
}

func TestMonitoring_ListAndShow(t *testing.T) {
	store, h := newTestServer(t)
	req, q := seed(t, store)

	w := do(t, h, http.MethodGet, "/monitoring", nil, "")
	env := decodeEnvelope(t, w)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("list status = %d success=%v", w.Code, env.Success)
	}
	var all []model.Record
	if err := json.Unmarshal(env.Data, &all); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(all) != 2 || all[0].ID != req.ID {
		t.Fatalf("list = %+v, want newest first", all)
	}

	w = do(t, h, http.MethodGet, "/monitoring/"+req.ID, nil, "")
	env = decodeEnvelope(t, w)
	var one model.Record
	if err := json.Unmarshal(env.Data, &one); err != nil {
		t.Fatalf("unmarshal show: %v", err)
	}
	if len(one.Related) != 1 || one.Related[0].ID != q.ID {
		t.Errorf("related = %+v, want the query entry", one.Related)
	}

	w = do(t, h, http.MethodGet, "/monitoring/does-not-exist", nil, "")
	env = decodeEnvelope(t, w)
	if w.Code != http.StatusNotFound || env.Success {
		t.Errorf("missing show status = %d success=%v", w.Code, env.Success)
	}
}

func TestMonitoring_Filters(t *testing.T) {
	store, h := newTestServer(t)
	seed(t, store)

	cases := []struct {
		path string
		code int
		n    int
	}{
		{"/monitoring/type/query", http.StatusOK, 1},
		{"/monitoring/batch/b1", http.StatusOK, 2},
		{"/monitoring/period/24h", http.StatusOK, 2},
		{"/monitoring/type/bogus", http.StatusBadRequest, 0},
		{"/monitoring/period/1y", http.StatusBadRequest, 0},
		{"/monitoring/color/red", http.StatusNotFound, 0},
	}
	for _, tc := range cases {
		w := do(t, h, http.MethodGet, tc.path, nil, "")
		if w.Code != tc.code {
			t.Errorf("%s status = %d, want %d", tc.path, w.Code, tc.code)
			continue
		}
		if tc.code != http.StatusOK {
			continue
		}
		var records []model.Record
		if err := json.Unmarshal(decodeEnvelope(t, w).Data, &records); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.path, err)
		}
		if len(records) != tc.n {
			t.Errorf("%s returned %d records, want %d", tc.path, len(records), tc.n)
		}
	}
}

func TestMonitoring_Tags(t *testing.T) {
	store, h := newTestServer(t)
	req, _ := seed(t, store)

	w := do(t, h, http.MethodPost, "/monitoring/tags", []byte(`{"tags":["Auth:7"]}`), "")
	if w.Code != http.StatusOK {
		t.Fatalf("tags status = %d; body: %s", w.Code, w.Body.String())
	}
	var records []model.Record
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 1 || records[0].ID != req.ID {
		t.Errorf("tags result = %+v", records)
	}

	w = do(t, h, http.MethodPost, "/monitoring/tags", []byte(`not json`), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}
}

func TestReceiver_RequiresAPIKey(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/logs", []byte(`[]`), "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", w.Code)
	}
	w = do(t, h, http.MethodPost, "/api/logs", []byte(`[]`), "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", w.Code)
	}
}

func TestReceiver_IngestAndRead(t *testing.T) {
	store, h := newTestServer(t)

	e := model.NewEntry(map[string]any{"command": "migrate"}).WithType(model.TypeCommand).WithBatchID("cli-1")
	body, err := json.Marshal([]*model.Entry{e})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	w := do(t, h, http.MethodPost, "/api/logs", body, testToken)
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}
	// Redelivery of the same batch is accepted and not duplicated.
	w = do(t, h, http.MethodPost, "/api/logs", body, testToken)
	if w.Code != http.StatusAccepted {
		t.Fatalf("second ingest status = %d", w.Code)
	}
	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	w = do(t, h, http.MethodGet, "/api/logs/show/"+e.ID, nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("show status = %d", w.Code)
	}
	var rec model.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal show: %v", err)
	}
	if rec.Type != model.TypeCommand || rec.BatchID != "cli-1" {
		t.Errorf("show = %+v", rec)
	}

	w = do(t, h, http.MethodGet, "/api/logs/show/missing", nil, testToken)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing show status = %d, want 404", w.Code)
	}

	for _, path := range []string{"/api/logs", "/api/logs/type/command", "/api/logs/batch/cli-1", "/api/logs/period/7d"} {
		w = do(t, h, http.MethodGet, path, nil, testToken)
		var records []model.Record
		if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
			t.Fatalf("%s: unmarshal: %v", path, err)
		}
		if w.Code != http.StatusOK || len(records) != 1 {
			t.Errorf("%s status = %d records = %d", path, w.Code, len(records))
		}
	}
}

func TestReceiver_RejectsInvalidEntries(t *testing.T) {
	_, h := newTestServer(t)

	cases := []struct {
		body string
		code int
	}{
		{`{"not":"an array"}`, http.StatusBadRequest},
		{`[{"uuid":"","type":"request"}]`, http.StatusUnprocessableEntity},
		{`[{"uuid":"x","type":"telepathy"}]`, http.StatusUnprocessableEntity},
		{`[null]`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		w := do(t, h, http.MethodPost, "/api/logs", []byte(tc.body), testToken)
		if w.Code != tc.code {
			t.Errorf("body %s status = %d, want %d", tc.body, w.Code, tc.code)
		}
	}
}

func TestReceiver_DisabledWithoutToken(t *testing.T) {
	store, err := sqlstore.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	h := NewServer(Config{Backend: store}).Handler()
	w := do(t, h, http.MethodPost, "/api/logs", []byte(`[]`), "anything")
	if w.Code != http.StatusNotFound {
		t.Errorf("receiver without token status = %d, want 404", w.Code)
	}
}

func TestCollectorRoundTrip(t *testing.T) {
	_, h := newTestServer(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	client, err := collector.New(collector.Config{Endpoint: ts.URL + "/api/logs", Token: testToken})
	if err != nil {
		t.Fatalf("collector.New: %v", err)
	}
	defer client.Close()

	e := model.NewEntry(map[string]any{"name": "order.shipped"}).WithType(model.TypeEvent).WithTags("Order:1")
	e.WithBatchID(model.NewID())
	if err := client.Create(context.Background(), []*model.Entry{e}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := client.GetByTags(context.Background(), []string{"Order:1"})
	if err != nil {
		t.Fatalf("GetByTags: %v", err)
	}
	if len(got) != 1 || got[0].ID != e.ID {
		t.Errorf("GetByTags = %+v", got)
	}

	one, err := client.GetByID(context.Background(), e.ID)
	if err != nil || one == nil {
		t.Fatalf("GetByID = %v, %v", one, err)
	}
}

func TestGinRecovery(t *testing.T) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("panic recovery status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
