package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"
)

// Preview stream defaults.
const (
	previewMaxFPS  = 10
	previewQuality = 70
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	preview  *PreviewStreamer
}

// NewServer creates a server configured for the given address and dependencies.
// Engine events reach the status stream once the caller registers
// broadcaster.Listener() with the engine.
func NewServer(addr string, broadcaster *StatusBroadcaster, cam Camera, formDefaults FormConfig, outputDir string) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, cam, formDefaults, outputDir, subFS)

	s := &Server{
		addr:     addr,
		handlers: handlers,
	}
	if cam != nil {
		s.preview = NewPreviewStreamer(cam, previewMaxFPS, previewQuality)
	}
	return s
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /open", s.handlers.HandleOpen)
	mux.HandleFunc("POST /close", s.handlers.HandleClose)
	mux.HandleFunc("POST /picture", s.handlers.HandlePicture)
	mux.HandleFunc("POST /video/start", s.handlers.HandleVideoStart)
	mux.HandleFunc("POST /video/stop", s.handlers.HandleVideoStop)
	mux.HandleFunc("POST /control", s.handlers.HandleControl)
	mux.HandleFunc("GET /capabilities", s.handlers.HandleCapabilities)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	if s.preview != nil {
		mux.Handle("GET /preview/ws", s.preview)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	log.Printf("web server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Mux())
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
