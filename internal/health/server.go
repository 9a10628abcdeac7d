// Package health exposes the small HTTP surface every long-running
// go-ethereum-family service carries alongside its main loop: a liveness
// probe and a Prometheus scrape endpoint. This is ambient infrastructure,
// not a spec.md component — it never touches dispatch/scoring state
// directly, only the counters those packages register.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /healthz and /metrics on its own listener.
type Server struct {
	addr   string
	srv    *http.Server
	ready  atomic.Bool
}

// NewServer builds a health Server bound to addr (e.g. ":9100").
func NewServer(addr string) *Server {
	s := &Server{addr: addr}

	router := httprouter.New()
	router.GET("/healthz", s.handleHealthz)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetReady flips the /healthz response between 200 and 503. cmd/validator
// calls it with true just before starting the validator's Run; readiness
// does not wait for the metagraph sync or the first handshake refresh.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
