package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server exposes a State over HTTP: a JSON snapshot endpoint and a small
// auto-refreshing HTML page, both served with Cache-Control: no-store so
// intermediate proxies never serve a stale run status.
//
// Adapted from the teacher's internal/server/server.go wrapper (the same
// *http.Server + http.ServeMux + setupRoutes/Start/Shutdown shape), with
// the blocking-simulator routes replaced by the dashboard's two routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	port       int
	state      *State
}

// New builds a Server bound to port, serving snapshots of state.
func New(port int, state *State, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s := &Server{httpServer: httpServer, logger: logger, port: port, state: state}
	s.setupRoutes(mux)
	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.pageHandler)
	mux.HandleFunc("/api/state", s.stateHandler)
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting dashboard server", "port", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down dashboard server")
	return s.httpServer.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.state.Snapshot()); err != nil {
		s.logger.Error("encode dashboard state", "error", err)
	}
}

func (s *Server) pageHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(pageHTML))
}

const pageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>boeingest</title>
  <meta http-equiv="refresh" content="1">
</head>
<body>
  <h1>boeingest</h1>
  <pre id="state">loading...</pre>
  <script>
    async function refresh() {
      const res = await fetch('/api/state', {cache: 'no-store'});
      const data = await res.json();
      document.getElementById('state').textContent = JSON.stringify(data, null, 2);
    }
    refresh();
    setInterval(refresh, 800);
  </script>
</body>
</html>
`
