package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tessellated-ai/edgesync/internal/conn"
	"github.com/tessellated-ai/edgesync/internal/stats"
)

type stubEngine struct {
	snap     stats.Snapshot
	state    conn.State
	attempts int
}

func (s *stubEngine) Statistics() stats.Snapshot  { return s.snap }
func (s *stubEngine) ConnectionState() conn.State { return s.state }
func (s *stubEngine) ReconnectAttempts() int      { return s.attempts }

func TestServer_Healthz(t *testing.T) {
	srv := New(":0", &stubEngine{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestServer_Stats(t *testing.T) {
	engine := &stubEngine{snap: stats.Snapshot{
		TotalRequests:       4,
		CacheHits:           1,
		EdgeProcessingRatio: 0.25,
	}}
	srv := New(":0", engine, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got stats.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.TotalRequests != 4 || got.EdgeProcessingRatio != 0.25 {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestServer_Connection(t *testing.T) {
	engine := &stubEngine{state: conn.StateReconnecting, attempts: 3}
	srv := New(":0", engine, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/connection", nil))

	var got struct {
		State    string `json:"state"`
		Attempts int    `json:"attempts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.State != "reconnecting" || got.Attempts != 3 {
		t.Errorf("connection = %+v, want reconnecting/3", got)
	}
}
