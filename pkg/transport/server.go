// Package transport carries requests between nodes and from clients to
// nodes: a JSON-over-HTTP surface serving the generic request endpoint, the
// raft proposal forward and the metrics scrape.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/metrics"
	"github.com/collie-store/collie/pkg/ops"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// Proposer accepts an already-encoded cluster envelope for the replicated
// log. Only the raft driver needs it; local-driver deployments pass nil.
type Proposer interface {
	ProposeRaw(env []byte) error
}

// Server exposes one node's request surface.
type Server struct {
	dispatcher *ops.Dispatcher
	proposer   Proposer
	httpSrv    *http.Server
	logger     zerolog.Logger
}

// NewServer builds the HTTP surface on addr, backed by d.
func NewServer(addr string, d *ops.Dispatcher, proposer Proposer) *Server {
	s := &Server{
		dispatcher: d,
		proposer:   proposer,
		logger:     log.WithComponent("transport"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/request", s.handleRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster/propose", s.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/v1/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Stop. It returns once the listener closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("request surface listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	rsp := s.dispatcher.Exec(r.Context(), &req)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		s.logger.Warn().Err(err).Msg("cannot write response")
	}
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if s.proposer == nil {
		http.Error(w, "proposals not accepted here", http.StatusNotImplemented)
		return
	}
	env, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "malformed proposal", http.StatusBadRequest)
		return
	}
	if err := s.proposer.ProposeRaw(env); err != nil {
		// Leadership may have moved since the sender resolved it.
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sys := s.dispatcher.System()
	body := map[string]string{
		"status": sys.Status().String(),
		"node":   sys.Self().ID,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// codeFromHTTP maps a transport-level failure to a result code for callers
// that only understand the shared taxonomy.
func codeFromHTTP(statusCode int) status.Code {
	switch statusCode {
	case http.StatusConflict:
		return status.Again
	case http.StatusNotImplemented:
		return status.NoSupport
	default:
		return status.EIO
	}
}
