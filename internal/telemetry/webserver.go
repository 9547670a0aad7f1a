package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/GoDownmix/internal/logging"
)

// StateFunc returns a JSON-encodable snapshot of the mixer state.
type StateFunc func() any

// WebServer exposes diagnostic events and mixer state over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server with history, live and state endpoints.
// state may be nil.
func NewWebServer(addr string, hub *Hub, state StateFunc, logger logging.Logger) *WebServer {
	return &WebServer{
		hub:    hub,
		logger: logging.Or(logger).With(logging.F("subsystem", "web")),
		srv:    &http.Server{Addr: addr, Handler: NewMux(hub, state), ReadHeaderTimeout: 5 * time.Second},
	}
}

// NewMux wires the hub handlers onto a ServeMux.
func NewMux(hub *Hub, state StateFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", hub.handleEvents)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/config", hub.handleConfig)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if state == nil {
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, state())
	})
	return mux
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("error", err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", w.srv.Addr))
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web telemetry server error", logging.F("error", err))
	}
}
