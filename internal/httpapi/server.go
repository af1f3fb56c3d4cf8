// Package httpapi serves the bot's admin surface: health, metrics, a live
// feed of sent lines and a few operator controls.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/you/gnasty-bot/internal/telemetry"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Options struct {
	Addr            string
	RateLimitRPS    int
	RateLimitBurst  int
	TrustProxy      bool
	EnableMetrics   bool
	EnableAccessLog bool
	EnablePprof     bool
	Build           BuildInfo
	// ConfigSnapshot is served as-is from /info; it must already be redacted.
	ConfigSnapshot []byte
	Metrics        *telemetry.Metrics
}

// Deps are the live parts of the bot the endpoints report on or control.
// Any of them may be nil; the matching endpoint then degrades.
type Deps struct {
	State    func() string
	Depths   func() map[string]int
	Reloader Reloader
	Speaker  Speaker
	Hub      *Hub
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	opts       Options
	deps       Deps
	limiter    *ipRateLimiter
}

func New(opts Options, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(opts.Metrics)
	}
	srv := &Server{
		mux:     http.NewServeMux(),
		opts:    opts,
		deps:    deps,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}

	srv.handle("/healthz", srv.handleHealthz)
	srv.handle("/info", srv.handleInfo)
	srv.handle("/events", deps.Hub.handleEvents)
	srv.handle("/admin/twitch/reload", srv.handleReload)
	srv.handle("/admin/speaking", srv.handleSpeaking)
	if opts.EnableMetrics && opts.Metrics != nil {
		srv.mux.Handle("/metrics", srv.wrap("/metrics", opts.Metrics.Handler()))
	}
	if opts.EnablePprof {
		srv.mux.HandleFunc("/debug/pprof/", pprof.Index)
		srv.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		srv.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		srv.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		srv.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) handle(route string, fn http.HandlerFunc) {
	s.mux.Handle(route, s.wrap(route, fn))
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

type healthResponse struct {
	Status    string         `json:"status"`
	State     string         `json:"state"`
	Speaking  *bool          `json:"speaking,omitempty"`
	Queues    map[string]int `json:"queues"`
	WSClients int            `json:"ws_clients"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", State: "unknown", Queues: map[string]int{}}
	if s.deps.State != nil {
		resp.State = s.deps.State()
		if resp.State != "ready" {
			resp.Status = "degraded"
		}
	}
	if s.deps.Depths != nil {
		resp.Queues = s.deps.Depths()
	}
	if s.deps.Speaker != nil {
		speaking := s.deps.Speaker.Speaking()
		resp.Speaking = &speaking
	}
	resp.WSClients = s.deps.Hub.Clients()
	writeJSON(w, http.StatusOK, resp)
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at,omitempty"`
	Go       string `json:"go"`
	Config   any    `json:"config,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if len(s.opts.ConfigSnapshot) > 0 {
		resp.Config = json.RawMessage(s.opts.ConfigSnapshot)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown closes the event feed first; hijacked websocket connections are
// not tracked by http.Server.Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Close()
	return s.httpServer.Shutdown(ctx)
}
