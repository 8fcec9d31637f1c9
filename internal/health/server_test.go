package health

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hollowoak/moonbridge/internal/connwatch"
)

type stubPoll struct {
	success   bool
	refresh   time.Time
	err       error
	refreshes uint64
}

func (s *stubPoll) LastUpdateSuccessful() bool { return s.success }
func (s *stubPoll) LastRefresh() time.Time     { return s.refresh }
func (s *stubPoll) LastError() error           { return s.err }
func (s *stubPoll) Refreshes() uint64          { return s.refreshes }

type stubServices map[string]connwatch.ServiceStatus

func (s stubServices) Status() map[string]connwatch.ServiceStatus { return s }

func testServer(poll PollStatus, services ServiceStatus) *Server {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	return NewServer("127.0.0.1", 0, poll, services, logger)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func getHealth(t *testing.T, s *Server) (int, Report) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode health body: %v (body %q)", err, rec.Body.String())
	}
	return rec.Code, report
}

func TestHealth_AllHealthy(t *testing.T) {
	now := time.Now()
	poll := &stubPoll{success: true, refresh: now, refreshes: 12}
	services := stubServices{
		"moonraker": {Name: "moonraker", Ready: true, LastCheck: now},
		"mqtt":      {Name: "mqtt", Ready: true, LastCheck: now},
	}

	code, report := getHealth(t, testServer(poll, services))

	if code != http.StatusOK {
		t.Errorf("status code = %d, want 200", code)
	}
	if report.Status != "ok" {
		t.Errorf("Status = %q, want ok", report.Status)
	}
	if !report.LastUpdateSuccess {
		t.Error("LastUpdateSuccess = false, want true")
	}
	if report.Refreshes != 12 {
		t.Errorf("Refreshes = %d, want 12", report.Refreshes)
	}
	if report.LastRefresh == nil {
		t.Error("LastRefresh missing")
	}
	if len(report.Services) != 2 {
		t.Errorf("Services has %d entries, want 2", len(report.Services))
	}
}

func TestHealth_ServiceDown(t *testing.T) {
	poll := &stubPoll{success: true, refresh: time.Now()}
	services := stubServices{
		"moonraker": {Name: "moonraker", Ready: false, LastError: "connection refused"},
		"mqtt":      {Name: "mqtt", Ready: true},
	}

	code, report := getHealth(t, testServer(poll, services))

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	if report.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
}

func TestHealth_RefreshFailed(t *testing.T) {
	poll := &stubPoll{
		success: false,
		refresh: time.Now(),
		err:     errors.New("printer.objects.query: timeout"),
	}
	services := stubServices{
		"moonraker": {Name: "moonraker", Ready: true},
	}

	code, report := getHealth(t, testServer(poll, services))

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	if report.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if report.LastError == "" {
		t.Error("LastError missing from report")
	}
}

func TestHealth_BeforeFirstRefresh(t *testing.T) {
	// Zero-value poll state: no refresh has happened yet. The bridge
	// must not claim health before it has real data.
	poll := &stubPoll{}

	code, report := getHealth(t, testServer(poll, stubServices{}))

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	if report.LastRefresh != nil {
		t.Errorf("LastRefresh = %v, want omitted", report.LastRefresh)
	}
}

func TestVersion(t *testing.T) {
	s := testServer(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	s.handleVersion(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var info map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode version body: %v", err)
	}
	if info["version"] == "" {
		t.Error("version field missing")
	}
}
