package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout    = 5 * time.Second
	wsSendBufferSize  = 32
	wsMaxMessageBytes = 1 << 20
)

// updateEvent tells a connected client which conversation changed so it
// can refetch the affected snapshot. Payloads stay small on purpose.
type updateEvent struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId,omitempty"`
}

// wsHub fans runtime update notifications out to every connected
// websocket client. Slow clients have their updates dropped rather
// than stalling the rest.
type wsHub struct {
	mu      sync.RWMutex
	clients map[string]chan updateEvent
	logger  *logrus.Logger
	closed  bool
}

func newWSHub(logger *logrus.Logger) *wsHub {
	return &wsHub{
		clients: make(map[string]chan updateEvent),
		logger:  logger,
	}
}

func (h *wsHub) register() (string, chan updateEvent) {
	id := uuid.NewString()
	ch := make(chan updateEvent, wsSendBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	return id, ch
}

func (h *wsHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

func (h *wsHub) broadcastUpdate(kind, conversationID string) {
	event := updateEvent{Kind: kind, ConversationID: conversationID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- event:
		default:
			h.logger.WithFields(logrus.Fields{
				"client": id,
				"kind":   kind,
			}).Warn("Dropping update for slow websocket client")
		}
	}
}

func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}

// handleWebSocket upgrades the connection and runs both directions:
// inbound frames are raw delivery events handed to the runtime, and
// outbound frames are update notifications from the hub.
func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		conn.SetReadLimit(wsMaxMessageBytes)

		clientID, updates := s.hub.register()
		defer s.hub.unregister(clientID)

		s.logger.WithField("client", clientID).Debug("Websocket client connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go s.writeUpdates(ctx, conn, updates, clientID)

		// Read loop owns the connection lifetime.
		for {
			msgType, raw, err := conn.Read(ctx)
			if err != nil {
				status := websocket.CloseStatus(err)
				if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					s.logger.WithField("client", clientID).Debug("Websocket client disconnected")
				} else if ctx.Err() == nil {
					s.logger.WithError(err).WithField("client", clientID).Debug("Websocket read failed")
				}
				return
			}
			if msgType != websocket.MessageText {
				continue
			}
			s.runtime.HandleInbound(raw)
		}
	}
}

func (s *Server) writeUpdates(ctx context.Context, conn *websocket.Conn, updates <-chan updateEvent, clientID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.WithError(err).Error("Failed to encode update event")
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WithError(err).WithField("client", clientID).Debug("Websocket write failed")
				}
				return
			}
		}
	}
}
