package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
)

// shellHTML is the built-in SPA shell served when no static bundle is
// configured. It boots the client, which reads the invite token from
// the URL path.
const shellHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Nahma</title>
</head>
<body>
<div id="root"></div>
<noscript>Nahma needs JavaScript to open this link.</noscript>
<script type="module" src="/assets/app.js"></script>
</body>
</html>
`

// Config holds the HTTP adjunct configuration.
type Config struct {
	// StaticDir optionally points at a built SPA bundle. When set, the
	// catch-all serves its files and /join/* serves its index.html.
	// When empty, both serve the built-in shell.
	StaticDir string
}

// Server is the HTTP adjunct that runs alongside the WebSocket
// endpoints: the invite landing page plus health, readiness, and
// metrics endpoints.
type Server struct {
	mux       *http.ServeMux
	staticDir string
	logger    zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates the adjunct server and registers its routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		staticDir: cfg.StaticDir,
		logger:    log.WithComponent("api"),
	}

	s.mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	s.mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/join/", getOnly(s.joinHandler))
	s.mux.HandleFunc("/", getOnly(s.rootHandler))

	return s
}

// getOnly rejects every method except GET with 405.
func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// joinHandler serves the SPA shell for invite links. Invite URLs carry
// one-shot tokens, so intermediaries must never cache the response.
func (s *Server) joinHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	s.serveShell(w, r)
}

// rootHandler is the SPA catch-all. With a static bundle configured it
// serves the bundle's files and falls back to index.html for
// client-routed paths; otherwise it serves the built-in shell for the
// root path and 404s everything else.
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if s.staticDir != "" {
		name := filepath.Join(s.staticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			http.ServeFile(w, r, name)
			return
		}
		http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.serveShell(w, r)
}

func (s *Server) serveShell(w http.ResponseWriter, r *http.Request) {
	if s.staticDir != "" {
		http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(shellHTML))
}

// Handler returns the adjunct's handler for embedding in another
// server or in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the given address. It blocks until Stop is
// called or the listener fails.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.logger.Info().Str("address", addr).Msg("HTTP adjunct listening")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve HTTP adjunct: %w", err)
	}
	return nil
}

// Serve begins serving on an existing listener. It blocks until Stop
// is called or the listener fails.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.logger.Info().Str("address", lis.Addr().String()).Msg("HTTP adjunct listening")

	if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve HTTP adjunct: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, waiting up to the given grace
// period for in-flight requests.
func (s *Server) Stop(grace time.Duration) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP adjunct: %w", err)
	}
	return nil
}
