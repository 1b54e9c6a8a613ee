package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "coachchat/internal/errors"
	"coachchat/internal/middleware"
	"coachchat/internal/models"
	"coachchat/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the messaging core over a local HTTP API plus a
// websocket event stream. The REST surface issues commands to the
// runtime; the websocket pushes state-change notifications so the UI
// refetches only what changed.
type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	runtime *service.Runtime
	hub     *wsHub
	cfg     models.ServerConfig
	server  *http.Server
}

func NewServer(runtime *service.Runtime, cfg models.ServerConfig, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		runtime: runtime,
		hub:     newWSHub(logger),
		cfg:     cfg,
	}

	runtime.SetUpdateHandler(s.hub.broadcastUpdate)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)

	// The websocket upgrade needs the raw ResponseWriter (hijack), so it
	// stays off the observability middleware.
	s.router.HandleFunc("/ws", s.handleWebSocket()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(middleware.ObservabilityMiddleware(s.logger))

	api.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api.HandleFunc("/conversations", s.handleListConversations()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/unread", s.handleTotalUnread()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/open", s.handleOpenConversation()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/open", s.handleCloseConversation()).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/read", s.handleMarkRead()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/archive", s.handleSetArchived()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.handleThreadSnapshot()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleSend()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages/older", s.handleLoadOlder()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", s.handleTyping()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/viewport", s.handleViewport()).Methods(http.MethodPost)

	api.HandleFunc("/messages/{id}/retry", s.handleRetrySend()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.handleEdit()).Methods(http.MethodPatch)
	api.HandleFunc("/messages/{id}", s.handleDelete()).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/reactions", s.handleReact()).Methods(http.MethodPost)

	api.HandleFunc("/presence/{userId}", s.handlePresence()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.WithError(err).Debug("Failed to write health response")
		}
	}
}

func (s *Server) handleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter models.ConversationFilter
		q := r.URL.Query()
		if q.Get("unread") == "true" {
			filter.UnreadOnly = true
		}
		if raw := q.Get("archived"); raw != "" {
			archived, err := strconv.ParseBool(raw)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "archived must be true or false")
				return
			}
			filter.Archived = &archived
		}

		convs := s.runtime.Conversations(filter, q.Get("q"))

		type item struct {
			*models.Conversation
			UnreadBadge string `json:"unreadBadge"`
		}
		items := make([]item, 0, len(convs))
		for _, conv := range convs {
			items = append(items, item{Conversation: conv, UnreadBadge: service.UnreadBadge(conv.UnreadCount)})
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": items})
	}
}

func (s *Server) handleTotalUnread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total := s.runtime.TotalUnread()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"total": total,
			"badge": service.UnreadBadge(total),
		})
	}
}

func (s *Server) handleOpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.runtime.OpenConversation(r.Context(), id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCloseConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.runtime.CloseConversation(r.Context(), id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runtime.MarkRead(mux.Vars(r)["id"])
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSetArchived() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Archived bool `json:"archived"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.runtime.SetArchived(mux.Vars(r)["id"], body.Archived)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleThreadSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := s.runtime.ThreadSnapshot(mux.Vars(r)["id"])
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, state)
	}
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content     string              `json:"content"`
			Attachments []models.Attachment `json:"attachments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		tempID, err := s.runtime.Send(r.Context(), mux.Vars(r)["id"], body.Content, body.Attachments)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"tempId": tempID})
	}
}

func (s *Server) handleLoadOlder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.runtime.LoadOlder(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Typing bool `json:"typing"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id := mux.Vars(r)["id"]
		if body.Typing {
			s.runtime.TypingInput(r.Context(), id)
		} else {
			s.runtime.TypingStop(r.Context(), id)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleViewport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			NearBottom bool `json:"nearBottom"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.runtime.SetViewport(mux.Vars(r)["id"], body.NearBottom)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRetrySend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.runtime.RetrySend(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleEdit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConversationID string `json:"conversationId"`
			Content        string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.runtime.EditMessage(r.Context(), body.ConversationID, mux.Vars(r)["id"], body.Content); err != nil {
			s.writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := r.URL.Query().Get("conversationId")
		if err := s.runtime.DeleteMessage(r.Context(), conversationID, mux.Vars(r)["id"]); err != nil {
			s.writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleReact() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConversationID string `json:"conversationId"`
			Emoji          string `json:"emoji"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.runtime.ReactToMessage(r.Context(), body.ConversationID, mux.Vars(r)["id"], body.Emoji); err != nil {
			s.writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userId"]
		s.writeJSON(w, http.StatusOK, map[string]string{
			"userId":  userID,
			"display": s.runtime.PresenceFor(userID),
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps error codes to HTTP statuses and never leaks
// internal detail to the client.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidationFailed, apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeDuplicateSend:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{
		"error": apperrors.GetUserMessage(err),
		"code":  string(apperrors.GetCode(err)),
	})
}
