// Package health exposes the operational surface: liveness, pipeline status,
// and Prometheus metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/indexing/metrics"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	Health(ctx context.Context) error
}

// Server serves /healthz, /status, and /metrics, and samples queue depth
// gauges in the background.
type Server struct {
	addr   string
	db     Checker
	queue  queue.Queue
	blocks storage.BlockRepository
	failed storage.FailedJobRepository
	log    *slog.Logger

	http *http.Server
}

// NewServer builds the operational HTTP server.
func NewServer(port int, db Checker, q queue.Queue, blocks storage.BlockRepository,
	failed storage.FailedJobRepository, log *slog.Logger) *Server {
	s := &Server{
		addr:   fmt.Sprintf(":%d", port),
		db:     db,
		queue:  q,
		blocks: blocks,
		failed: failed,
		log:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, sampling queue depths alongside.
func (s *Server) Run(ctx context.Context) error {
	go s.sampleQueues(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("health server listening", "addr", s.addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) sampleQueues(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, topic := range []string{queue.TopicBlocks, queue.TopicLogs} {
				n, err := s.queue.Len(ctx, topic)
				if err != nil {
					continue
				}
				metrics.QueueDepth.WithLabelValues(topic).Set(float64(n))
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "queue": "ok"}
	healthy := true
	if err := s.db.Health(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if hc, ok := s.queue.(Checker); ok {
		if err := hc.Health(ctx); err != nil {
			checks["queue"] = err.Error()
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(checks)
}

// statusResponse is the operator snapshot: pipeline progress, status
// distribution, queue depths, and terminally failed jobs.
type statusResponse struct {
	LatestBlock  *uint64                       `json:"latest_block"`
	StatusCounts map[domain.WorkerStatus]int64 `json:"status_counts"`
	QueueDepths  map[string]int64              `json:"queue_depths"`
	TerminalJobs []terminalJob                 `json:"terminal_jobs"`
}

type terminalJob struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := statusResponse{QueueDepths: map[string]int64{}}

	latest, err := s.blocks.Latest(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if latest != nil {
		resp.LatestBlock = &latest.Number
	}

	counts, err := s.blocks.StatusCounts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.StatusCounts = counts

	for _, topic := range []string{queue.TopicBlocks, queue.TopicLogs} {
		if n, err := s.queue.Len(ctx, topic); err == nil {
			resp.QueueDepths[topic] = n
		}
	}

	terminal, err := s.failed.Terminal(ctx, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.TerminalJobs = make([]terminalJob, 0, len(terminal))
	for _, fj := range terminal {
		resp.TerminalJobs = append(resp.TerminalJobs, terminalJob{
			JobID:      fj.JobID,
			JobType:    string(fj.JobType),
			Error:      fj.Error,
			RetryCount: fj.RetryCount,
			FailedAt:   fj.FailedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
