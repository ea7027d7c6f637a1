package chatserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"medchat/internal/middleware"
	"medchat/internal/user"
)

type Handler struct {
	service *Service
	hub     *Hub
	logger  zerolog.Logger
}

func NewHandler(service *Service, hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{service: service, hub: hub, logger: logger}
}

// Routes mounts the authenticated chat endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations", h.StartConversation)
	r.Get("/api/conversations/{id}/messages", h.GetHistory)
	r.Post("/api/conversations/{id}/messages", h.PostMessage)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		identity: id,
		relay:    h.service.Relay,
		logger:   h.logger.With().Int("user_id", id.UserID).Logger(),
	}
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	convs, err := h.service.Conversations(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": convs})
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	counterpart, err := req.counterpart(id.Role)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	conv, err := h.service.StartConversation(r.Context(), id, counterpart, string(req.AppointmentID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	convID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	msgs, err := h.service.History(r.Context(), id, convID, page, size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	convID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	msg, err := h.service.PostMessage(r.Context(), id, convID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, user.ErrUserNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
		err = errors.New("internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
