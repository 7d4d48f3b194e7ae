package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"calbot/pkg/logx"
)

// Server exposes /metrics on addr. An empty addr disables it.
type Server struct {
	addr  string
	m     *Metrics
	log   logx.Logger
	srv   *http.Server
	pprof bool
}

type ServerOption func(*Server)

// WithPprof mounts the runtime profiler under /debug/pprof/.
func WithPprof(on bool) ServerOption { return func(s *Server) { s.pprof = on } }

func NewServer(addr string, m *Metrics, log logx.Logger, opts ...ServerOption) *Server {
	s := &Server{addr: addr, m: m, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the mux Serve listens with.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.m.Handler())
	if s.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.addr == "" || s.m == nil {
		<-ctx.Done()
		return nil
	}
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.log.Info("metrics listening", logx.String("addr", s.addr), logx.Bool("pprof", s.pprof))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
