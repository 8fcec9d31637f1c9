// Package health serves the local HTTP health and version endpoints.
// The health payload aggregates connection watcher status with the
// polling loop's refresh outcome so a reverse proxy or systemd watchdog
// can tell a broken bridge from a merely idle one.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hollowoak/moonbridge/internal/buildinfo"
	"github.com/hollowoak/moonbridge/internal/connwatch"
)

// PollStatus reports the polling loop's most recent outcome. Satisfied
// by poller.Poller.
type PollStatus interface {
	LastUpdateSuccessful() bool
	LastRefresh() time.Time
	LastError() error
	Refreshes() uint64
}

// ServiceStatus reports per-dependency health. Satisfied by
// connwatch.Manager.
type ServiceStatus interface {
	Status() map[string]connwatch.ServiceStatus
}

// Report is the JSON body of the /health endpoint.
type Report struct {
	Status            string                              `json:"status"`
	Version           string                              `json:"version"`
	UptimeSeconds     int64                               `json:"uptime_seconds"`
	LastUpdateSuccess bool                                `json:"last_update_success"`
	LastRefresh       *time.Time                          `json:"last_refresh,omitempty"`
	LastError         string                              `json:"last_error,omitempty"`
	Refreshes         uint64                              `json:"refreshes"`
	Services          map[string]connwatch.ServiceStatus `json:"services"`
}

// Server is the health HTTP server.
type Server struct {
	address  string
	port     int
	poll     PollStatus
	services ServiceStatus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a health server. Either poll or services may be
// nil; the corresponding report fields are then omitted or zeroed.
func NewServer(address string, port int, poll PollStatus, services ServiceStatus, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		poll:     poll,
		services: services,
		logger:   logger,
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting health server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.buildReport()

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, report)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, buildinfo.Info())
}

// buildReport assembles the health payload. The overall status is
// "degraded" when any watched service is down or the last refresh
// failed, "ok" otherwise. Before the first refresh completes the
// poll fields report failure, which keeps startup honest: the bridge
// is not healthy until it has real data.
func (s *Server) buildReport() Report {
	report := Report{
		Status:        "ok",
		Version:       buildinfo.Version,
		UptimeSeconds: int64(buildinfo.Uptime().Seconds()),
		Services:      map[string]connwatch.ServiceStatus{},
	}

	if s.services != nil {
		report.Services = s.services.Status()
		for _, svc := range report.Services {
			if !svc.Ready {
				report.Status = "degraded"
			}
		}
	}

	if s.poll != nil {
		report.LastUpdateSuccess = s.poll.LastUpdateSuccessful()
		report.Refreshes = s.poll.Refreshes()
		if t := s.poll.LastRefresh(); !t.IsZero() {
			report.LastRefresh = &t
		}
		if err := s.poll.LastError(); err != nil {
			report.LastError = err.Error()
		}
		if !report.LastUpdateSuccess {
			report.Status = "degraded"
		}
	}

	return report
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}
