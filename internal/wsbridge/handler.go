// Package wsbridge attaches browser page contexts to a bus hub over
// WebSocket. Each connection is one bus context; frames are JSON text
// messages.
package wsbridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

const writeTimeout = 10 * time.Second

// Handler serves GET /bus/{channel}.
type Handler struct {
	Hub            *bus.Hub
	DefaultChannel string
	// AllowedOrigins lists origins or hostnames permitted to connect.
	// Empty means same host only.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Mount registers the bus route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/bus/{channel}", h.ServeHTTP)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		channel = h.DefaultChannel
	}
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	handle, err := h.Hub.Attach(channel)
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer handle.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := h.logger().With("channel", channel, "remote", r.RemoteAddr)
	log.Debug("websocket attached")
	defer log.Debug("websocket detached")

	// The handle delivers on one goroutine, so writes never overlap.
	unsubscribe := handle.Subscribe(func(m model.Message) {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(m); err != nil {
			log.Debug("websocket write failed", "error", err)
			conn.Close()
		}
	})
	defer unsubscribe()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-handle.Done():
			conn.Close()
		case <-finished:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
			log.Debug("dropping malformed frame", "error", err)
			continue
		}
		if err := handle.Post(msg); err != nil {
			log.Warn("post failed", "error", err)
			return
		}
	}
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	originHost := parsed.Hostname()

	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(originHost, a) {
				return true
			}
		}
		return false
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(originHost, host)
}
