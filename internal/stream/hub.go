// Package stream pushes the controller's view to browsers over websockets.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/metrics"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// Source is implemented by *chat.Controller.
type Source interface {
	Subscribe() (<-chan domain.View, func())
	Activity()
}

// Frame is one server-to-client message.
type Frame struct {
	Type string       `json:"type"`
	View *domain.View `json:"view,omitempty"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// Hub accepts websocket clients and streams every view change to them.
type Hub struct {
	src           Source
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewHub creates a hub fed by src.
func NewHub(src Source, allowedOrigin string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		src:           src,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
		active:        make(map[string]*websocket.Conn),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

func (h *Hub) register(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[id] = conn
	metrics.StreamClients.Set(float64(len(h.active)))
	h.logger.Info("state stream client connected", "client_id", id)
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[id]; !ok {
		return
	}
	delete(h.active, id)
	metrics.StreamClients.Set(float64(len(h.active)))
	h.logger.Info("state stream client disconnected", "client_id", id)
}

// CloseAll disconnects every client, e.g. on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.active, id)
	}
	metrics.StreamClients.Set(0)
}

// ServeHTTP upgrades the request and streams views until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	id := uuid.NewString()
	h.register(id, conn)
	defer h.unregister(id)

	views, unsubscribe := h.src.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, conn, id)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, conn, views)
	}()

	wg.Wait()
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, id string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("websocket closed", "client_id", id)
			} else {
				h.logger.Warn("websocket read error", "error", err, "client_id", id)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", "client_id", id)
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.write(ctx, conn, Frame{Type: "pong"}); err != nil {
				h.logger.Debug("failed to send pong", "error", err)
			}
		case "activity":
			h.src.Activity()
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, views <-chan domain.View) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, Frame{Type: "state", View: &v}); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("websocket write error", "error", err)
				}
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	// Same-origin requests from the embedded UI.
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
