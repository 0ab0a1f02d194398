// Package server exposes the engine over HTTP and streams its events over a
// WebSocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/ferry/internal/app"
)

// ShutdownTimeout bounds graceful shutdown of in-flight requests.
const ShutdownTimeout = 5 * time.Second

// Server serves the administrative API of one App.
type Server struct {
	app        *app.App
	logger     *slog.Logger
	httpServer *http.Server

	// lifetime is cancelled when Serve begins shutting down.
	lifetime context.Context
	stop     context.CancelFunc
}

// New creates a server for a listening on addr.
func New(a *app.App, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: a, logger: logger}
	s.lifetime, s.stop = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	r.HandleFunc("/history", s.handleHistory()).Methods(http.MethodGet)

	r.HandleFunc("/backends", s.handleBackends()).Methods(http.MethodGet)
	r.HandleFunc("/backends", s.handleRegister()).Methods(http.MethodPost)
	r.HandleFunc("/backends/{id}/activate", s.handleActivate()).Methods(http.MethodPost)
	r.HandleFunc("/backends/{id}", s.handleRemove()).Methods(http.MethodDelete)
	r.HandleFunc("/rotate", s.handleRotate()).Methods(http.MethodPost)
	r.HandleFunc("/replicate", s.handleReplicate()).Methods(http.MethodPost)

	r.HandleFunc("/drain", s.handleDrain()).Methods(http.MethodPost)
	r.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)
	r.HandleFunc("/queue", s.handleQueue()).Methods(http.MethodGet)

	r.HandleFunc("/cache/{collection}", s.handleCacheList()).Methods(http.MethodGet)
	r.HandleFunc("/cache/{collection}/{id}", s.handleCacheGet()).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.handleCacheClear()).Methods(http.MethodDelete)

	r.HandleFunc("/docs/{collection}", s.handleAdd()).Methods(http.MethodPost)
	r.HandleFunc("/docs/{collection}/{id}", s.handleAdd()).Methods(http.MethodPut)
	r.HandleFunc("/docs/{collection}/{id}", s.handleUpdate()).Methods(http.MethodPatch)
	r.HandleFunc("/docs/{collection}/{id}", s.handleDelete()).Methods(http.MethodDelete)

	r.HandleFunc("/connectivity", s.handleConnectivity()).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	defer s.stop()
	stopPasses := context.AfterFunc(ctx, s.stop)
	defer stopPasses()

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// passContext returns the context for a drain, bulk sync or replication
// started by r. A started pass runs through its item list even if the
// client goes away; server shutdown still stops it between items.
func (s *Server) passContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
