package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"scarabd/pkg/coordinator"
	"scarabd/pkg/coorderrors"
	"scarabd/pkg/scarabid"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iCoordinator interface {
	GenerateID(ctx context.Context) (scarabid.ID, error)
	IncrementCounter(ctx context.Context, id string, delta int64) (uint64, error)
	GetCounter(ctx context.Context, id string) (coordinator.Snapshot, error)
	AllocateEpoch(ctx context.Context, partitionID string) (uint64, error)
}

type iRaftNode interface {
	Handle(ctx context.Context, message raftpb.Message) error

	Run(ctx context.Context) error
	Stop() error
}

type iMetrics interface {
	Render() string
}

// Server is the request surface consumed by storage/compute nodes.
type Server struct {
	coord      iCoordinator
	node       iRaftNode
	collector  iMetrics
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(coord iCoordinator, node iRaftNode, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		coord: coord,
		node:  node,
		URL:   "http://localhost:" + port,
		addr:  ":" + port,
	}
}

// SetMetrics wires the in-process collector rendered on /metrics.
func (s *Server) SetMetrics(collector iMetrics) {
	s.collector = collector
}

// Start starts the server.
func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil {
				slog.Error("ownership consensus node error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if s.node != nil {
			_ = s.node.Stop()
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/api/id", s.handleGenerateID)
	r.Post("/api/counter/increment", s.handleIncrement)
	r.Get("/api/counter", s.handleGetCounter)
	r.Post("/api/epoch", s.handleAllocateEpoch)

	// Raft endpoint только если есть node
	if s.node != nil {
		r.Post("/api/internal/raft", s.handleRaft)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps the typed error taxonomy onto HTTP statuses and stable
// codes. NotLeader carries the owner hint so clients can redirect
// mechanically.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if nl, ok := coorderrors.AsNotLeader(err); ok {
		resp := NewErrorResponse(CodeNotLeader, nl.Error())
		resp.Owner = nl.Owner
		resp.OwnerHint = nl.OwnerHint
		s.writeJSON(w, http.StatusMisdirectedRequest, resp)
		return
	}

	switch {
	case errors.Is(err, coorderrors.ErrUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(CodeUnavailable, err.Error()))
	case errors.Is(err, coorderrors.ErrStorageCorruption):
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(CodeStorageCorruption, err.Error()))
	case errors.Is(err, coorderrors.ErrResourceExhausted):
		s.writeJSON(w, http.StatusTooManyRequests, NewErrorResponse(CodeResourceExhausted, err.Error()))
	case errors.Is(err, coorderrors.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, err.Error()))
	case errors.Is(err, coorderrors.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(CodeNotFound, err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(CodeInternal, err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := "# scarabd metrics\n"
	if s.collector != nil {
		body += s.collector.Render()
	}
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleGenerateID(w http.ResponseWriter, r *http.Request) {
	id, err := s.coord.GenerateID(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewIDResponse(uint64(id)))
}

func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, "Failed to parse form"))
		return
	}

	counter := r.FormValue("counter")
	if counter == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, "Missing counter"))
		return
	}

	delta := int64(1)
	if raw := r.FormValue("delta"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, "Bad delta"))
			return
		}
		delta = parsed
	}

	value, err := s.coord.IncrementCounter(r.Context(), counter, delta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	counter := r.URL.Query().Get("counter")
	if counter == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, "Missing counter"))
		return
	}

	snap, err := s.coord.GetCounter(r.Context(), counter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewCounterResponse(snap.Value, snap.Term, snap.Owner))
}

func (s *Server) handleAllocateEpoch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, "Failed to parse form"))
		return
	}

	partition := r.FormValue("partition")
	if partition == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, "Missing partition"))
		return
	}

	epoch, err := s.coord.AllocateEpoch(r.Context(), partition)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(epoch))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(CodeUnavailable, "Raft node not available"))
		return
	}

	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeInvalidArgument, err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(CodeInternal, err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewOKResponse())
}
