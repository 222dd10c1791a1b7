package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/registration"
	"github.com/spacemeshos/nameserver/registry"
)

type Server struct {
	cfg   Config
	store registry.Store
	reg   *registration.Registration

	restListener    net.Listener
	metricsListener net.Listener
}

// New opens the registry and binds the listeners. Any error here is fatal:
// the server never accepts traffic without a working registry.
func New(ctx context.Context, cfg Config) (*Server, error) {
	restListener, err := net.Listen("tcp", cfg.RawRESTListener)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	var metricsListener net.Listener
	if cfg.MetricsPort != nil {
		metricsListener, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(*cfg.MetricsPort))))
		if err != nil {
			restListener.Close()
			return nil, fmt.Errorf("failed to listen for metrics: %v", err)
		}
	}

	closeListeners := func() {
		restListener.Close()
		if metricsListener != nil {
			metricsListener.Close()
		}
	}

	store, err := registry.Open(ctx, cfg.ConnectString)
	if err != nil {
		closeListeners()
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	reg, err := registration.New(ctx, store, registration.WithConfig(cfg.Registration))
	if err != nil {
		closeListeners()
		store.Close()
		return nil, fmt.Errorf("creating registration service: %w", err)
	}

	return &Server{
		cfg:             cfg,
		store:           store,
		reg:             reg,
		restListener:    restListener,
		metricsListener: metricsListener,
	}, nil
}

// Close releases the registry. Listeners are closed by Start on shutdown and
// here for servers that never started.
func (s *Server) Close() error {
	s.restListener.Close()
	if s.metricsListener != nil {
		s.metricsListener.Close()
	}
	return s.store.Close()
}

// RestAddr returns the address that server is listening on for REST.
func (s *Server) RestAddr() net.Addr {
	return s.restListener.Addr()
}

// MetricsAddr returns the address of the metrics endpoint or nil if disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Start serves requests until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	servers := []*http.Server{{
		Handler:           newHandler(logger, s.reg),
		ReadHeaderTimeout: time.Second * 5,
	}}
	listeners := []net.Listener{s.restListener}
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5})
		listeners = append(listeners, s.metricsListener)
	}

	for i := range servers {
		server, listener := servers[i], listeners[i]
		serverGroup.Go(func() error {
			logger.Sugar().Infof("HTTP server listening on %s", listener.Addr())
			err := server.Serve(listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
		return err
	}
	return nil
}
