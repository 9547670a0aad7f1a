package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/GoDownmix/internal/logging"
)

const (
	defaultHistoryLimit = 500
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	subscriberBuffer    = 64
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Hub keeps a bounded event history and fans out new events to live
// subscribers. Slow subscribers lose events rather than stalling the
// reporting goroutine.
type Hub struct {
	mu          sync.RWMutex
	history     []Event
	config      Config
	subscribers map[chan Event]struct{}
	dropped     uint64
	logger      logging.Logger
}

// NewHub builds a hub keeping at most historyLimit events.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, Config{HistoryLimit: defaultHistoryLimit})
	if err != nil {
		cfg = Config{HistoryLimit: defaultHistoryLimit}
	}
	return &Hub{
		config:      cfg,
		subscribers: make(map[chan Event]struct{}),
		logger:      logging.Or(logger).With(logging.F("subsystem", "telemetry")),
	}
}

// Report implements Reporter.
func (h *Hub) Report(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	h.history = append(h.history, ev)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored events, oldest first.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

// Dropped returns how many live deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live events.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.ConfigSnapshot())
	case http.MethodPost:
		var incoming Config
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		cfg, err := validateConfig(incoming, h.config)
		if err == nil {
			h.applyConfig(cfg)
		}
		h.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Info("telemetry config updated", logging.F("history_limit", cfg.HistoryLimit))
		writeJSON(w, cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	for _, ev := range h.History() {
		writeSSE(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
