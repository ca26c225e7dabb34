// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for playerd.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems. A
// Prometheus-compatible /metrics endpoint is also served, reporting the
// playback state machine and the player worker subprocess's restart health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// PlaybackInfo describes the playback state machine at the moment of the
// health check.
type PlaybackInfo struct {
	State        string `json:"state"`
	HasTrack     bool   `json:"has_track"`
	CurrentTrack string `json:"current_track,omitempty"`
	RepeatOne    bool   `json:"repeat_one"`
	RepeatAll    bool   `json:"repeat_all"`
	Consume      bool   `json:"consume"`
}

// WorkerInfo describes the player worker subprocess link.
type WorkerInfo struct {
	Running             bool   `json:"running"`
	Restarts            int    `json:"restarts"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// StatusProvider returns the current health status. The daemon implements
// this interface to supply live data from the playback machine and
// supervisor.
type StatusProvider interface {
	Playback() PlaybackInfo
	Worker() WorkerInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Playback  PlaybackInfo `json:"playback"`
	Worker    WorkerInfo   `json:"worker"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider StatusProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}
	healthy := false
	if h.provider != nil {
		resp.Playback = h.provider.Playback()
		resp.Worker = h.provider.Worker()
		healthy = resp.Worker.Running
	}

	if healthy {
		resp.Status = "healthy"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "unhealthy"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// stateCode maps the playback state's display string to a small numeric
// code for the gauge, matching internal/playback.State's ordering.
func stateCode(state string) int {
	switch state {
	case "stopped":
		return 0
	case "playing":
		return 1
	case "paused":
		return 2
	default:
		return -1
	}
}

func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder
	var playback PlaybackInfo
	var worker WorkerInfo
	if h.provider != nil {
		playback = h.provider.Playback()
		worker = h.provider.Worker()
	}

	fmt.Fprintln(&sb, "# HELP playerd_playback_state_code Current playback state (0=stopped, 1=playing, 2=paused).")
	fmt.Fprintln(&sb, "# TYPE playerd_playback_state_code gauge")
	fmt.Fprintf(&sb, "playerd_playback_state_code %d\n", stateCode(playback.State))

	fmt.Fprintln(&sb, "# HELP playerd_playback_has_track 1 if the playlist cursor points at a track.")
	fmt.Fprintln(&sb, "# TYPE playerd_playback_has_track gauge")
	fmt.Fprintf(&sb, "playerd_playback_has_track %d\n", boolGauge(playback.HasTrack))

	fmt.Fprintln(&sb, "# HELP playerd_worker_running 1 if the player worker subprocess is attached.")
	fmt.Fprintln(&sb, "# TYPE playerd_worker_running gauge")
	fmt.Fprintf(&sb, "playerd_worker_running %d\n", boolGauge(worker.Running))

	fmt.Fprintln(&sb, "# HELP playerd_worker_restarts_total Total player worker subprocess restarts.")
	fmt.Fprintln(&sb, "# TYPE playerd_worker_restarts_total counter")
	fmt.Fprintf(&sb, "playerd_worker_restarts_total %d\n", worker.Restarts)

	fmt.Fprintln(&sb, "# HELP playerd_worker_consecutive_failures Consecutive player worker restart failures.")
	fmt.Fprintln(&sb, "# TYPE playerd_worker_consecutive_failures gauge")
	fmt.Fprintf(&sb, "playerd_worker_consecutive_failures %d\n", worker.ConsecutiveFailures)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness. The listener is bound synchronously so a port-in-use error is
// returned immediately rather than surfacing only after ctx is cancelled;
// once bound, ready (if non-nil) is closed.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
