package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/lock"
	queuemock "github.com/tidelake/testreport/internal/queue/mock"
	"github.com/tidelake/testreport/internal/storage/memory"
	"github.com/tidelake/testreport/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	queue  *queuemock.Publisher
}

func newTestServer() *testServer {
	logger := zap.NewNop()
	store := memory.New()
	q := &queuemock.Publisher{}

	router := NewRouter(&RouterDeps{
		StoreUC:         usecase.NewStoreShardUsecase(store, "shards", 1<<20, logger),
		Queue:           q,
		Locks:           lock.NewManager(store, logger),
		LockPrefix:      "locks",
		StoreBackend:    "memory",
		Logger:          logger,
		RateLimitPerMin: 1000,
		MaxShardBytes:   1 << 20,
	})
	return &testServer{router: router, store: store, queue: q}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if method == http.MethodPost && strings.Contains(path, "generate") {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// Test: shard upload stores the archive and echoes its key.
func TestStoreShardEndpoint(t *testing.T) {
	ts := newTestServer()
	archive := []byte{0x1f, 0x8b, 0x08, 0x00}

	w := ts.do(http.MethodPost, "/api/v1/runs/run-1/shards?selector=unit&attempt=2", archive)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Key      string `json:"key"`
		RunID    string `json:"run_id"`
		Selector string `json:"selector"`
		Attempt  int    `json:"attempt"`
		Size     int64  `json:"size"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-1" || resp.Selector != "unit" || resp.Attempt != 2 || resp.Size != 4 {
		t.Errorf("response = %+v", resp)
	}
	if !strings.HasPrefix(resp.Key, "shards/run-1/unit-a2-") {
		t.Errorf("key = %q", resp.Key)
	}
	if _, err := ts.store.Get(context.Background(), resp.Key); err != nil {
		t.Errorf("shard not stored: %v", err)
	}
}

// Test: upload validation failures map to 400.
func TestStoreShardEndpoint_BadRequests(t *testing.T) {
	ts := newTestServer()

	cases := []struct {
		name string
		path string
		body []byte
		code int
	}{
		{"missing selector", "/api/v1/runs/run-1/shards", []byte{0x1f, 0x8b, 0x08}, http.StatusBadRequest},
		{"empty body", "/api/v1/runs/run-1/shards?selector=unit", nil, http.StatusBadRequest},
		{"not gzip", "/api/v1/runs/run-1/shards?selector=unit", []byte("plain text"), http.StatusBadRequest},
		{"bad attempt", "/api/v1/runs/run-1/shards?selector=unit&attempt=x", []byte{0x1f, 0x8b, 0x08}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, tc.path, tc.body)
			if w.Code != tc.code {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.code, w.Body.String())
			}
		})
	}
}

// Test: generate enqueues the request with the path key and returns 202.
func TestGenerateEndpoint(t *testing.T) {
	ts := newTestServer()

	body := []byte(`{"run_id":"run-1","selector":"unit","attempt":1,"lock_timeout_s":60,"max_rounds":3}`)
	w := ts.do(http.MethodPost, "/api/v1/reports/main-release/generate", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"QUEUED"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	if len(ts.queue.Published) != 1 {
		t.Fatalf("published %d requests, want 1", len(ts.queue.Published))
	}
	req := ts.queue.Published[0]
	if req.Key != "main-release" || req.RunID != "run-1" || req.LockTimeoutS != 60 || req.MaxRounds != 3 {
		t.Errorf("enqueued request = %+v", req)
	}
}

// Test: a missing run_id in the generate body is rejected before enqueueing.
func TestGenerateEndpoint_MissingRunID(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodPost, "/api/v1/reports/main-release/generate", []byte(`{"selector":"unit"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(ts.queue.Published) != 0 {
		t.Errorf("request enqueued despite invalid body")
	}
}

// Test: a broker outage surfaces as 503, not a silent drop.
func TestGenerateEndpoint_QueueDown(t *testing.T) {
	ts := newTestServer()
	ts.queue.PublishFn = func(context.Context, *domain.GenerateRequest) error {
		return fmt.Errorf("broker down")
	}

	w := ts.do(http.MethodPost, "/api/v1/reports/k/generate", []byte(`{"run_id":"run-1"}`))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

// Test: lock inspection reports 404 when free and the holder when held.
func TestLockEndpoint(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/reports/main-release/lock", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for free lock", w.Code)
	}

	if err := ts.store.Put(context.Background(), "locks/main-release.lock", []byte("run-1/1/unit")); err != nil {
		t.Fatal(err)
	}

	w = ts.do(http.MethodGet, "/api/v1/reports/main-release/lock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Holder     string    `json:"holder"`
		AcquiredAt time.Time `json:"acquired_at"`
		AgeSeconds int       `json:"age_seconds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Holder != "run-1/1/unit" {
		t.Errorf("holder = %q", resp.Holder)
	}
	if resp.AgeSeconds < 0 || resp.AgeSeconds > 60 {
		t.Errorf("implausible age %d", resp.AgeSeconds)
	}
}

// Test: health endpoint reports the configured backend.
func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"memory"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// Test: responses carry a request id header.
func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}
