// Package server provides HTTP server construction for google-photos-mcp.
package server

import (
	"net/http"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Flow       *auth.Flow
	MCPHandler http.Handler
}

// NewMux builds the HTTP mux with the OAuth sign-in endpoints and the
// MCP endpoint.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/login", cfg.Flow.HandleLogin)
	mux.HandleFunc("/oauth/callback", cfg.Flow.HandleCallback)
	mux.Handle("/mcp", cfg.MCPHandler)

	return mux
}

// New wraps the mux in an http.Server with sane timeouts. The write
// timeout is generous because MCP streaming responses stay open.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
