// Package api exposes the chat backend over HTTP: the widget-facing chat
// endpoint plus health probes, behind a recovery / request-id / logging /
// CORS / rate-limit middleware stack.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/embedo/embedo/internal/orchestrator"
)

// Server is the public HTTP surface.
type Server struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	limiter *ipLimiter
}

// ServerConfig contains configuration for creating a Server.
type ServerConfig struct {
	Orchestrator *orchestrator.Orchestrator // Required
	DB           Pinger                     // Optional: nil degrades readiness to liveness
	Logger       *slog.Logger               // Required
	RatePerSec   float64                    // Optional: zero uses the default
	Burst        int                        // Optional: zero uses the default
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	mux := http.NewServeMux()

	NewHealth(cfg.DB, cfg.Logger).RegisterRoutes(mux)
	mux.Handle("POST /api/v1/chat", NewChat(cfg.Orchestrator, cfg.Logger))

	return &Server{
		mux:     mux,
		logger:  cfg.Logger,
		limiter: newIPLimiter(rate.Limit(ratePerSec), burst),
	}, nil
}

// ServeHTTP implements http.Handler with the middleware stack applied.
// Order matters: recovery catches panics from every layer below, the request
// id is assigned before logging, CORS answers preflights before the rate
// limiter can reject them.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = s.mux
	handler = RateLimitMiddleware(s.limiter)(handler)
	handler = CORSMiddleware(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	handler.ServeHTTP(w, r)
}

// HTTPServer wraps the handler in an http.Server with sane timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // chat turns can run several LLM rounds
		IdleTimeout:       2 * time.Minute,
	}
}
