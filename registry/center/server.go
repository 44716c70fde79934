// Package center implements the central registry: an HTTP server holding the
// node table in memory, and a client that speaks to it as a registry.Registry.
package center

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultListenAddress is where the registry server binds by default.
	DefaultListenAddress = "0.0.0.0:8088"

	maxRequestBody  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// ServerConfig configures the central registry server.
type ServerConfig struct {
	// ListenAddress is the HTTP bind address. Default: DefaultListenAddress
	ListenAddress string

	// TTL is the lease duration granted on register and renew. Default: registry.DefaultTTL
	TTL time.Duration

	// SweepInterval is how often expired entries are purged. Default: TTL/2
	SweepInterval time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Server is the central registry HTTP service. It owns the node table; every
// request and the sweeper share it through the table's single lock.
type Server struct {
	config ServerConfig
	table  *registry.MemoryRegistry
	mux    *http.ServeMux
	logger *logger.Logger
}

// NewServer creates a server with an empty node table.
func NewServer(config ServerConfig) *Server {
	if config.ListenAddress == "" {
		config.ListenAddress = DefaultListenAddress
	}
	if config.TTL <= 0 {
		config.TTL = registry.DefaultTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.TTL / 2
	}

	s := &Server{
		config: config,
		table: registry.NewMemoryRegistry(registry.MemoryConfig{
			TTL:     config.TTL,
			Clock:   config.Clock,
			Backend: "center",
		}),
		logger: logger.NewLogger("CenterServer"),
	}
	s.mux = s.setupHTTPRoutes()
	return s
}

// Table exposes the node table, mainly for tests and embedding.
func (s *Server) Table() *registry.MemoryRegistry {
	return s.table
}

// Handler returns the HTTP handler serving every registry route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run binds the listen address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the sweeper and serves HTTP on lis until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.table.StartSweeper(ctx, s.config.SweepInterval)
	defer s.table.StopSweeper()

	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Infof("Registry server listening on %s (ttl=%v, sweep=%v)", lis.Addr(), s.config.TTL, s.config.SweepInterval)
		errChan <- httpServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Infof("Shutting down registry server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("Graceful shutdown failed: %v", err)
			return err
		}
		return nil
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// setupHTTPRoutes configures the registry routes
func (s *Server) setupHTTPRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(BasePath+"/register", s.handleRegister)
	mux.HandleFunc(BasePath+"/deregister", s.handleDeregister)
	mux.HandleFunc(BasePath+"/renew", s.handleRenew)
	mux.HandleFunc(BasePath+"/available_nodes", s.handleAvailableNodes)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeSuccess(w, nil)
	})

	return mux
}

// handleRegister handles POST /isek_center/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Only POST method is allowed")
		return
	}

	var req RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.Host == "" || req.Port == 0 {
		s.writeError(w, http.StatusBadRequest, "node_id and host/port are required")
		return
	}

	err := s.table.RegisterNode(r.Context(), req.NodeID, req.Host, req.Port, req.Metadata)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

// handleDeregister handles POST /isek_center/deregister
func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Only POST method is allowed")
		return
	}

	var req NodeIDRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	if err := s.table.DeregisterNode(r.Context(), req.NodeID); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

// handleRenew handles POST /isek_center/renew
func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Only POST method is allowed")
		return
	}

	var req NodeIDRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	if err := s.table.LeaseRefresh(r.Context(), req.NodeID); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

// handleAvailableNodes handles GET /isek_center/available_nodes
func (s *Server) handleAvailableNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Only GET method is allowed")
		return
	}

	entries, err := s.table.AvailableEntries()
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	data := AvailableNodesData{AvailableNodes: make(map[string]NodeInfo, len(entries))}
	for id, e := range entries {
		data.AvailableNodes[id] = nodeInfoFromEntry(e)
	}
	s.writeSuccess(w, data)
}

// decodeBody parses a JSON request body into v, writing a 400 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read request body: %v", err))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse JSON: %v", err))
		return false
	}
	return true
}

// writeRegistryError maps a table error to a response code
func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNodeNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Errorf("Registry operation failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	raw := json.RawMessage("null")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to encode response: %v", err))
			return
		}
		raw = b
	}
	s.writeJSON(w, http.StatusOK, Response{Code: http.StatusOK, Message: "success", Data: raw})
}

// writeError writes an error envelope with code mirrored as HTTP status
func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, Response{Code: code, Message: message, Data: json.RawMessage("null")})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}
