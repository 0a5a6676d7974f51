package webchat

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type ServerOption func(*Server)

func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithCloser registers a resource released after the HTTP server has drained,
// in registration order.
func WithCloser(name string, fn func() error) ServerOption {
	return func(s *Server) { s.closers = append(s.closers, namedCloser{name: name, fn: fn}) }
}

type namedCloser struct {
	name string
	fn   func() error
}

// Server drives the HTTP server lifecycle: it serves until ctx ends or the
// process is interrupted, then drains requests and releases its resources.
type Server struct {
	httpSrv         *http.Server
	shutdownTimeout time.Duration
	closers         []namedCloser
}

func NewServer(addr string, handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			// streams stay open for as long as generation runs
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		shutdownTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run listens on the configured address.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or SIGINT/SIGTERM arrives.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg := errgroup.Group{}
	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		for _, c := range s.closers {
			if err := c.fn(); err != nil {
				log.Error().Err(err).Str("resource", c.name).Msg("close error")
			} else {
				log.Debug().Str("resource", c.name).Msg("closed")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting feedback server")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
