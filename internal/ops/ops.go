// Package ops exposes the operational HTTP surface: liveness and
// readiness probes, Prometheus metrics and a JSON status endpoint with
// queue depths, sync positions and the active API client.
package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
	"github.com/DiegoSheetszu/Cadastrei/internal/source"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// Queue is the outbox slice the status endpoint reads. *outbox.Queue
// implements it.
type Queue interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
	Table() string
}

// EmployeeState loads driver sync checkpoints. *outbox.EmployeeStore
// implements it.
type EmployeeState interface {
	LoadCheckpoint(ctx context.Context, sourceDB, sourceTable string) (syncx.Checkpoint, error)
}

// LeaveState loads the leave sync cursor. *outbox.LeaveStore implements
// it.
type LeaveState interface {
	LoadCursor(ctx context.Context, sourceDB string) (syncx.LeaveCursor, error)
}

// Profiles reports the active API client. *registry.Registry implements
// it.
type Profiles interface {
	Active() *registry.Profile
}

// Server holds the dependencies of the ops handlers. Any of them may be
// nil; the corresponding status section is omitted.
type Server struct {
	DB            *sql.DB
	SourceDB      string
	Employees     Queue
	Leaves        Queue
	EmployeeState EmployeeState
	LeaveState    LeaveState
	Profiles      Profiles
	Log           zerolog.Logger
}

// Routes builds the ops router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/status", s.handleStatus)

	return r
}

// Serve runs the ops server on addr until ctx is canceled, then shuts it
// down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "no database", http.StatusServiceUnavailable)
		return
	}
	if err := s.DB.PingContext(r.Context()); err != nil {
		s.Log.Warn().Err(err).Msg("readiness ping failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type checkpointStatus struct {
	LastChange time.Time `json:"last_change"`
	LastID     int       `json:"last_id"`
}

type cursorStatus struct {
	NumEmp    int    `json:"numemp"`
	TipCol    int    `json:"tipcol"`
	NumCad    int    `json:"numcad"`
	LeaveDate string `json:"datafa"`
	StartHour int    `json:"horafa"`
	Sequence  int    `json:"seqreg"`
}

type clientStatus struct {
	ID   string `json:"id"`
	Name string `json:"nome"`
}

type statusResponse struct {
	Queues       map[string]map[string]int   `json:"queues"`
	Checkpoints  map[string]checkpointStatus `json:"checkpoints,omitempty"`
	LeaveCursor  *cursorStatus               `json:"leave_cursor,omitempty"`
	ActiveClient *clientStatus               `json:"active_client,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Queues: map[string]map[string]int{}}

	for _, q := range []Queue{s.Employees, s.Leaves} {
		if q == nil {
			continue
		}
		counts, err := q.CountByStatus(ctx)
		if err != nil {
			s.Log.Error().Err(err).Str("table", q.Table()).Msg("queue count failed")
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		resp.Queues[q.Table()] = counts
	}

	// Sync state tables may not exist before the first sync cycle; their
	// sections degrade to absent instead of failing the endpoint.
	if s.EmployeeState != nil {
		resp.Checkpoints = map[string]checkpointStatus{}
		for _, table := range []string{source.TableEmployee, source.TableComplement} {
			cp, err := s.EmployeeState.LoadCheckpoint(ctx, s.SourceDB, table)
			if err != nil {
				s.Log.Warn().Err(err).Str("table", table).Msg("checkpoint load failed")
				continue
			}
			resp.Checkpoints[table] = checkpointStatus{LastChange: cp.LastChange, LastID: cp.LastID}
		}
	}
	if s.LeaveState != nil {
		cur, err := s.LeaveState.LoadCursor(ctx, s.SourceDB)
		if err != nil {
			s.Log.Warn().Err(err).Msg("leave cursor load failed")
		} else {
			resp.LeaveCursor = &cursorStatus{
				NumEmp:    cur.NumEmp,
				TipCol:    cur.TipCol,
				NumCad:    cur.NumCad,
				LeaveDate: cur.LeaveDate.String(),
				StartHour: cur.StartHour,
				Sequence:  cur.Sequence,
			}
		}
	}

	if s.Profiles != nil {
		if active := s.Profiles.Active(); active != nil {
			resp.ActiveClient = &clientStatus{ID: active.ID, Name: active.Name}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.Error().Err(err).Msg("encode json response")
	}
}
