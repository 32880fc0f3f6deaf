package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/metrics"
)

const (
	adminPrefix       = "/__sw"
	maxAdminBodyBytes = 1 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching reverse proxy",
	Long: `Run a reverse proxy in front of --upstream that caches the way an offline
capable client does.

The precache assets are fetched at startup. Admin routes live under /__sw:
  POST /__sw/message               client message (SKIP_WAITING, QUEUE_OPERATION, CLEAR_CACHE)
  POST /__sw/push                  push payload, answered with the rendered notification
  POST /__sw/notification/{action} notification click
  POST /__sw/sync/{tag}            run a background sync pass
Prometheus metrics are served on /metrics.

Examples:
  offline-proxy serve --upstream http://localhost:3000
  offline-proxy serve --upstream https://app.example.com --cache-backend sqlite --cache-db-connect cache.db`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), s)
	},
}

func serve(ctx context.Context, s settings) error {
	logger := newLogger(s.LogLevel)

	upstream, err := s.upstreamURL()
	if err != nil {
		return err
	}

	storage, closeStorage, err := openStorage(ctx, s, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s cache: %w", s.CacheBackend, err)
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn("error closing cache", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m, err := newManager(storage, s, upstream, reg, logger)
	if err != nil {
		return err
	}

	if err := m.Install(ctx); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	go m.SyncLoop(ctx, s.SyncInterval)

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           newHandler(m, upstream, reg, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.InfoContext(ctx, "proxy listening", "addr", s.Listen, "upstream", upstream.String(), "backend", s.CacheBackend)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newManager(storage offlinecache.Storage, s settings, upstream *url.URL, reg prometheus.Registerer, logger *slog.Logger) (*offlinecache.Manager, error) {
	cfg := s.cacheConfig()
	cfg.Origin = upstream.Scheme + "://" + upstream.Host

	return offlinecache.New(
		storage,
		&cfg,
		nil,
		logger,
		offlinecache.WithClients(offlinecache.NewClientRegistry(logger)),
		offlinecache.WithNotifier(logNotifier{logger: logger}),
		offlinecache.WithObserver(metrics.New(reg)),
	)
}

// newHandler routes admin and metrics requests and proxies everything else
// to upstream through m.
func newHandler(m *offlinecache.Manager, upstream *url.URL, g prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(adminPrefix, func(r chi.Router) {
		r.Post("/message", messageHandler(m))
		r.Post("/push", pushHandler(m))
		r.Post("/notification/{action}", notificationHandler(m))
		r.Post("/sync/{tag}", syncHandler(m))
	})
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Handle("/*", newProxy(m, upstream, logger))

	return r
}

func newProxy(m *offlinecache.Manager, upstream *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: m,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "upstream unavailable", "url", r.URL.String(), "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

func messageHandler(m *offlinecache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBodyBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := m.HandleMessage(r.Context(), body)
		if reply == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func pushHandler(m *offlinecache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBodyBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, m.Push(r.Context(), body))
	}
}

func notificationHandler(m *offlinecache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.NotificationClick(r.Context(), chi.URLParam(r, "action"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func syncHandler(m *offlinecache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Sync(r.Context(), chi.URLParam(r, "tag")))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// logNotifier shows notifications by logging them.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) ShowNotification(ctx context.Context, note offlinecache.Notification) error {
	n.logger.InfoContext(ctx, "notification", "title", note.Title, "body", note.Body)
	return nil
}
