package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ControlHooks carries optional process-level endpoints.
type ControlHooks struct {
	Warnings func() []string
	Metrics  http.Handler
}

func Handler(staticFS fs.FS, hub *Hub, svc Services, controls ControlHooks) (http.Handler, error) {
	if svc.Drafts == nil || svc.Recording == nil {
		return nil, errors.New("server: drafts and recording services are required")
	}

	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, hub, svc, controls)
	if controls.Metrics != nil {
		mux.Handle("GET /metrics", controls.Metrics)
	}

	fileServer := http.FileServer(http.FS(staticFS))
	mux.HandleFunc("/", serveSPA(fileServer))

	return chi.Chain(middleware.RequestID, middleware.Recoverer).Handler(mux), nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, staticFS fs.FS, hub *Hub, svc Services, controls ControlHooks) error {
	h, err := Handler(staticFS, hub, svc, controls)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("web UI listening", "url", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" || r.URL.Path == "/metrics" {
			http.NotFound(w, r)
			return
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" {
			r.URL.Path = "/"
		} else if !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/index.html"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
