// Package api serves the MCP discovery document and a health probe over
// HTTP, one port above the MCP server port.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"taskcron/internal/config"
	"taskcron/internal/core"
	taskcronmcp "taskcron/internal/mcp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the discovery HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	scheduler  *core.Scheduler
	mcpServer  *taskcronmcp.Server
	cfg        *config.Config
	logger     *slog.Logger
}

// NewServer constructs the discovery server.
func NewServer(addr string, scheduler *core.Scheduler, mcpServer *taskcronmcp.Server, cfg *config.Config, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		scheduler: scheduler,
		mcpServer: mcpServer,
		cfg:       cfg,
		logger:    logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("discovery server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/.well-known/mcp-schema.json", s.handleSchema)
	s.router.Get("/healthz", s.handleHealth)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        s.cfg.ServerName,
		"version":     s.cfg.ServerVersion,
		"description": "Task scheduler MCP server",
		"transport":   s.cfg.Transport,
		"tools":       s.mcpServer.ToolSummaries(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "stopped"
	if s.scheduler.Active() {
		status = "running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
