package labserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pu-workbench/internal/monitoring"
)

const shutdownTimeout = 15 * time.Second

// Server runs the HTTP API, the task runner and the alert checker
// together and stops them together.
type Server struct {
	http    *http.Server
	tasks   *TaskRunner
	checker *monitoring.Checker
	log     *zap.Logger
}

// NewServer creates a server listening on addr. checker may be nil.
func NewServer(addr string, handler http.Handler, tasks *TaskRunner, checker *monitoring.Checker) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		tasks:   tasks,
		checker: checker,
		log:     zap.L().With(zap.String("component", "labserver")),
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// cancels running generation tasks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return eris.Wrap(err, "labserver: listen")
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("starting server", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "labserver: serve")
		}
		return nil
	})

	if s.checker != nil {
		g.Go(func() error {
			s.checker.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.http.Shutdown(shutdownCtx)
		s.tasks.Close()
		return eris.Wrap(err, "labserver: shutdown")
	})

	return g.Wait()
}
