package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/forwarder"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/internal/printer"
	"github.com/funnyzak/mocktap/internal/storage"
	"github.com/funnyzak/mocktap/internal/web"
	"github.com/funnyzak/mocktap/pkg/fixture"
	"github.com/funnyzak/mocktap/pkg/intercept"
)

// Server is the proxy process: interception session, upstream client, journal and admin API.
type Server struct {
	config    *config.Config
	logger    logger.Logger
	session   *intercept.Session
	forwarder *forwarder.Forwarder
	store     storage.Store
	web       *web.Service
	dispatch  *dispatcher
	router    *mux.Router
	httpSrv   *http.Server
	closeOnce sync.Once
	closeErr  error
}

// New wires every component from cfg. The configuration must already be validated.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	mode, err := intercept.ParseMode(cfg.Fixtures.Mode)
	if err != nil {
		return nil, err
	}
	recordPolicy, err := fixture.ParseRecordPolicy(cfg.Fixtures.RecordPolicy)
	if err != nil {
		return nil, err
	}
	exhaustion, err := fixture.ParseExhaustionPolicy(cfg.Fixtures.Exhaustion)
	if err != nil {
		return nil, err
	}

	session, err := intercept.Init(intercept.Options{
		SourceDir:    cfg.Fixtures.SourceDir,
		ManifestName: cfg.Fixtures.Manifest,
		RuntimeDir:   cfg.Fixtures.RuntimeDir,
		Mode:         mode,
		RecordPolicy: recordPolicy,
		Exhaustion:   exhaustion,
		Logger:       log.Named("fixture"),
	})
	if err != nil {
		return nil, fmt.Errorf("init fixtures: %w", err)
	}

	store, err := storage.New(&cfg.Storage, log.Named("journal"))
	if err != nil {
		session.Teardown()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	up := cfg.Upstream
	fwd := forwarder.NewForwarder(log.Named("upstream"), forwarder.Options{
		Timeout:               seconds(up.Timeout),
		Retries:               up.MaxRetries,
		MaxConcurrent:         up.MaxConcurrent,
		MaxIdleConns:          up.MaxIdleConns,
		MaxIdleConnsPerHost:   up.MaxIdleConnsPerHost,
		MaxConnsPerHost:       up.MaxConnsPerHost,
		IdleConnTimeout:       seconds(up.IdleConnTimeout),
		ResponseHeaderTimeout: seconds(up.ResponseHeaderTimeout),
		TLSHandshakeTimeout:   seconds(up.TLSHandshakeTimeout),
		ExpectContinueTimeout: seconds(up.ExpectContinueTimeout),
		TLSInsecureSkipVerify: up.TLSInsecureSkipVerify,
		HeaderBlacklist:       up.HeaderBlacklist,
	})

	s := &Server{
		config:    cfg,
		logger:    log,
		session:   session,
		forwarder: fwd,
		store:     store,
		router:    mux.NewRouter(),
	}

	var pub Publisher
	if cfg.Web.Enable {
		s.web = web.NewService(&cfg.Web, store, session, log.Named("web"))
		pub = s.web
	}
	s.dispatch = newDispatcher(store, printer.New(log, &cfg.Output), pub, log.Named("exchange"))

	transport := &intercept.Transport{
		Session:        session,
		Next:           fwd,
		FallbackOnMiss: cfg.Fixtures.FallbackOnMiss,
		Observer:       s.dispatch.Observe,
	}

	// Proxied paths are opaque; cleaning them would redirect the client.
	s.router.SkipClean(true)
	if s.web != nil {
		// Only origin-form requests can address the admin API; absolute-form ones are proxied.
		s.web.RegisterRoutes(s.router.MatcherFunc(directRequest).Subrouter())
	}
	s.router.MatcherFunc(anyRequest).Handler(NewHandler(transport, log.Named("proxy"), cfg.Server.MaxBodyBytes, cfg.Server.Port))
	return s, nil
}

func directRequest(r *http.Request, _ *mux.RouteMatch) bool { return !r.URL.IsAbs() }

func anyRequest(*http.Request, *mux.RouteMatch) bool { return true }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Session returns the interception session.
func (s *Server) Session() *intercept.Session {
	return s.session
}

// Start listens on the configured port and blocks until SIGINT/SIGTERM, then shuts down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// No WriteTimeout: streamed upstream responses may legitimately take long.
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting proxy server",
		"addr", ln.Addr().String(),
		"mode", s.session.Mode().String(),
		"admin_path", s.config.Web.AdminPath,
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		s.logger.Info("Shutting down server...")
	case err := <-serveErr:
		s.Close()
		return fmt.Errorf("serve: %w", err)
	}

	err = s.Close()
	s.logger.Info("Server exited")
	return err
}

// Close drains in-flight requests, then releases components in dependency order. Safe to call twice.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.logger.Error("Server forced to shutdown", "error", err)
				errs = append(errs, err)
			}
			cancel()
		}
		s.forwarder.Close()
		s.dispatch.Wait()
		if err := s.session.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("teardown fixtures: %w", err))
		}
		if s.web != nil {
			s.web.Close()
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
