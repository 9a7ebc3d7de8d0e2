package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"pluginhost/internal/manager"
	"pluginhost/internal/metrics"
	"pluginhost/pkg/plugin"
)

// Server provides the HTTP admin API of the plugin host
type Server struct {
	manager *manager.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
	hub     *Hub
	health  healthcheck.Handler
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a new API server. m may be nil, in which case /metrics
// is not served.
func NewServer(mgr *manager.Manager, m *metrics.Metrics, logger *zap.Logger, port int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		manager: mgr,
		metrics: m,
		logger:  logger,
		hub:     NewHub(logger, DefaultClientBuffer),
		health:  healthcheck.NewHandler(),
		mux:     http.NewServeMux(),
	}
	s.hub.Attach(mgr)

	s.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	s.health.AddReadinessCheck("plugins-dir", func() error {
		info, err := os.Stat(mgr.PluginsDir())
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", mgr.PluginsDir())
		}
		return nil
	})

	s.mux.HandleFunc("GET /{$}", s.handleSitemap)
	s.mux.HandleFunc("GET /api/plugins", s.handleList)
	s.mux.HandleFunc("GET /api/plugins/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/plugins/{id}", s.handleInfo)
	s.mux.HandleFunc("DELETE /api/plugins/{id}", s.handleUninstall)
	s.mux.HandleFunc("POST /api/plugins/discover", s.handleDiscover)
	s.mux.HandleFunc("POST /api/plugins/load-enabled", s.handleLoadEnabled)
	s.mux.HandleFunc("POST /api/plugins/install", s.handleInstall)
	s.mux.HandleFunc("POST /api/plugins/{id}/{action}", s.handleAction)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/export", s.handleExport)
	s.mux.HandleFunc("GET /api/subsystem", s.handleSubsystem)
	s.mux.HandleFunc("PUT /api/subsystem", s.handleSubsystem)
	s.mux.Handle("GET /api/events", s.hub)
	s.mux.Handle("GET /live", s.health)
	s.mux.Handle("GET /ready", s.health)
	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the notification stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error  string `json:"error"`
	Plugin string `json:"plugin,omitempty"`
	Phase  string `json:"phase,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var perr *plugin.Error
	if errors.As(err, &perr) {
		resp.Plugin = perr.PluginID
		resp.Phase = string(perr.Phase)
	}
	s.writeJSON(w, statusFor(err), resp)
}

// statusFor maps host errors onto HTTP status codes.
func statusFor(err error) int {
	var perr *plugin.Error
	switch {
	case errors.Is(err, plugin.ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrAlreadyLoaded),
		errors.Is(err, plugin.ErrLoadInProgress),
		errors.Is(err, plugin.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, plugin.ErrSubsystemDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.As(err, &perr) && (perr.Phase == plugin.PhaseValidate || perr.Phase == plugin.PhaseAnalyze):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) infos(descs []plugin.Descriptor) []manager.Info {
	out := make([]manager.Info, 0, len(descs))
	for _, d := range descs {
		if info, ok := s.manager.Info(d.ID); ok {
			out = append(out, info)
		}
	}
	return out
}

// handleList returns every available plugin with its runtime state
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.infos(s.manager.Available()))
}

// handleSearch filters available plugins by the q parameter
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.infos(s.manager.SearchPlugins(r.URL.Query().Get("q"))))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.manager.Info(id)
	if !ok {
		s.writeError(w, plugin.NewError(id, plugin.PhaseLoad, plugin.ErrPluginNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	found, err := s.manager.Discover(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleLoadEnabled(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.LoadEnabledPlugins(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleAction runs load, unload, enable, disable or reload on one plugin
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	ctx := r.Context()

	var err error
	switch action {
	case "load":
		err = s.manager.LoadPlugin(ctx, id)
	case "unload":
		err = s.manager.UnloadPlugin(ctx, id)
	case "enable":
		err = s.manager.EnablePlugin(ctx, id)
	case "disable":
		err = s.manager.DisablePlugin(ctx, id)
	case "reload":
		err = s.manager.ReloadPlugin(ctx, id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Warn("Plugin action failed",
			zap.String("plugin", id),
			zap.String("action", action),
			zap.Error(err))
		s.writeError(w, err)
		return
	}

	info, _ := s.manager.Info(id)
	s.writeJSON(w, http.StatusOK, info)
}

// InstallRequest names a bundle already present on the host
type InstallRequest struct {
	Path string `json:"path"`
}

// handleInstall installs either a bundle uploaded as the request body
// (?filename=<name>) or a bundle on the host named by a JSON body.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	path := ""
	if name := r.URL.Query().Get("filename"); name != "" {
		staged, cleanup, err := s.stage(w, r, name)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		defer cleanup()
		path = staged
	} else {
		var req InstallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body must be {\"path\": \"...\"} or an upload with ?filename="})
			return
		}
		path = req.Path
	}

	desc, err := s.manager.InstallPlugin(r.Context(), path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, desc)
}

// stage writes the request body into a temp dir under its declared name.
func (s *Server) stage(w http.ResponseWriter, r *http.Request, name string) (string, func(), error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		return "", nil, fmt.Errorf("invalid filename %q", name)
	}
	dir, err := os.MkdirTemp("", "pluginhost-upload-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	limit := s.manager.Loader().MaxBundleSize()
	_, err = io.Copy(f, http.MaxBytesReader(w, r.Body, limit))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return path, cleanup, nil
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.UninstallPlugin(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetStatistics())
}

// handleExport streams the plugin list document
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="plugins.json"`)
	if err := s.manager.WriteExport(w); err != nil {
		s.logger.Error("Failed to write export", zap.Error(err))
	}
}

// SubsystemState is the body of GET and PUT /api/subsystem
type SubsystemState struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSubsystem(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var req SubsystemState
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
			return
		}
		if err := s.manager.SetSubsystemEnabled(r.Context(), req.Enabled); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, SubsystemState{Enabled: s.manager.IsSubsystemEnabled()})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/plugins", Method: "GET", Description: "List available plugins with their runtime state"},
	{Path: "/api/plugins/search?q=", Method: "GET", Description: "Search plugins by id, name, description, author or category"},
	{Path: "/api/plugins/{id}", Method: "GET", Description: "Describe one plugin"},
	{Path: "/api/plugins/{id}", Method: "DELETE", Description: "Uninstall a plugin"},
	{Path: "/api/plugins/discover", Method: "POST", Description: "Rescan the plugins directory"},
	{Path: "/api/plugins/load-enabled", Method: "POST", Description: "Load every enabled plugin"},
	{Path: "/api/plugins/install", Method: "POST", Description: "Install a bundle (JSON {\"path\"} or upload with ?filename=)"},
	{Path: "/api/plugins/{id}/{load|unload|enable|disable|reload}", Method: "POST", Description: "Run a lifecycle action"},
	{Path: "/api/stats", Method: "GET", Description: "Plugin and hook statistics"},
	{Path: "/api/export", Method: "GET", Description: "Export the plugin list as JSON"},
	{Path: "/api/subsystem", Method: "GET/PUT", Description: "Read or set the global plugin switch ({\"enabled\": bool})"},
	{Path: "/api/events", Method: "GET", Description: "WebSocket stream of manager notifications"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/live", Method: "GET", Description: "Liveness check"},
	{Path: "/ready", Method: "GET", Description: "Readiness check"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		// HTML format for browsers
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Plugin Host API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Plugin Host API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		// Plain text format for terminal
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Plugin Host API\n")
		fmt.Fprintf(w, "===============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-8s %-55s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:8080/api/plugins | jq\n")
		fmt.Fprintf(w, "  curl -X POST http://localhost:8080/api/plugins/foo/load\n")
		fmt.Fprintf(w, "  curl --data-binary @foo.zip 'http://localhost:8080/api/plugins/install?filename=foo.zip'\n\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes event streams
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
