package infra

import (
	"context"
	"net/http"
	"time"
)

// readHeaderTimeout caps how long a client may dribble request headers; slow
// bodies are governed by the configurable read timeout instead.
const readHeaderTimeout = 5 * time.Second

// HTTPServer owns the API listener lifecycle so the binaries stay wiring
// scripts: construct, Start in a goroutine, Shutdown on signal.
type HTTPServer struct {
	srv *http.Server
}

func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{srv: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}}
}

// Addr is the listen address the server was configured with.
func (s *HTTPServer) Addr() string { return s.srv.Addr }

// Start blocks on the listener. After a graceful Shutdown it returns
// http.ErrServerClosed, which callers treat as a clean exit.
func (s *HTTPServer) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
