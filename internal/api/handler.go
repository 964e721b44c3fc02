package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "v64assist/backend/internal/errors"
	"v64assist/backend/internal/model"
	"v64assist/backend/internal/service"
)

// ChatHandler exposes the conversation core over HTTP. Streaming endpoints
// use server-sent events; everything else is plain JSON.
type ChatHandler struct {
	chat  *service.ChatService
	convs *service.ConversationService
}

func NewChatHandler(chat *service.ChatService, convs *service.ConversationService) *ChatHandler {
	return &ChatHandler{chat: chat, convs: convs}
}

// ConversationListResponse pairs the conversation set with the active id so
// the client can restore its selection in one round trip.
type ConversationListResponse struct {
	Conversations []model.Conversation `json:"conversations"`
	ActiveID      string               `json:"active_id"`
}

func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	resp := ConversationListResponse{Conversations: h.convs.List()}
	if active, ok := h.convs.Active(); ok {
		resp.ActiveID = active.ID
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.convs.Create(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, conv)
}

func (h *ChatHandler) SelectConversation(w http.ResponseWriter, r *http.Request) {
	// Unknown ids are a silent no-op by contract.
	if err := h.convs.Select(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// UpdateTitleRequest is the manual rename DTO.
type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,min=1,max=100"`
}

func (h *ChatHandler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, apperrors.ErrValidation)
		return
	}
	if err := validateRequest(req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.convs.Rename(r.Context(), chi.URLParam(r, "conversationID"), req.Title); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// UpdateGroupRequest assigns a conversation to a sidebar group. An empty
// group clears the assignment.
type UpdateGroupRequest struct {
	Group string `json:"group" validate:"max=50"`
}

func (h *ChatHandler) SetConversationGroup(w http.ResponseWriter, r *http.Request) {
	var req UpdateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, apperrors.ErrValidation)
		return
	}
	if err := validateRequest(req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.convs.SetGroup(r.Context(), chi.URLParam(r, "conversationID"), req.Group); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.Delete(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *ChatHandler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.Clear(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	active, ok := h.convs.Active()
	if !ok {
		respondWithJSON(w, http.StatusOK, []model.Message{})
		return
	}
	respondWithJSON(w, http.StatusOK, h.convs.Messages(active.ID))
}

// HandleSendMessage streams a send over SSE: one data event per text delta,
// then a final event carrying sources, metrics and any error.
func (h *ChatHandler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	setStreamHeaders(w)

	var req service.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendStreamError(w, "Invalid request body")
		return
	}

	events := make(chan model.StreamEvent)
	go h.chat.Send(r.Context(), &req, events)
	streamEvents(w, events)
}

func (h *ChatHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.chat.Stop()
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *ChatHandler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	setStreamHeaders(w)

	messageID, err := messageIDParam(r)
	if err != nil {
		sendStreamError(w, "Invalid message id")
		return
	}

	events := make(chan model.StreamEvent)
	go h.chat.Regenerate(r.Context(), messageID, events)
	streamEvents(w, events)
}

// EditMessageRequest is the DTO for the edit-and-resend endpoint.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,min=1"`
}

func (h *ChatHandler) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	setStreamHeaders(w)

	messageID, err := messageIDParam(r)
	if err != nil {
		sendStreamError(w, "Invalid message id")
		return
	}
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendStreamError(w, "Invalid request body")
		return
	}
	if err := validateRequest(req); err != nil {
		sendStreamError(w, err.Error())
		return
	}

	events := make(chan model.StreamEvent)
	go h.chat.EditMessage(r.Context(), messageID, req.Content, events)
	streamEvents(w, events)
}

// FeedbackRequest annotates a message with a user rating.
type FeedbackRequest struct {
	Feedback string `json:"feedback" validate:"required,oneof=up down none"`
}

func (h *ChatHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	messageID, err := messageIDParam(r)
	if err != nil {
		respondWithError(w, apperrors.ErrValidation)
		return
	}
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, apperrors.ErrValidation)
		return
	}
	if err := validateRequest(req); err != nil {
		respondWithError(w, err)
		return
	}
	feedback := req.Feedback
	if feedback == "none" {
		feedback = ""
	}
	active, ok := h.convs.Active()
	if !ok {
		respondWithError(w, apperrors.ErrNotFound)
		return
	}
	if err := h.convs.SetFeedback(r.Context(), active.ID, messageID, feedback); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// streamEvents forwards engine events onto the SSE stream. When the client
// disconnects it keeps draining so the engine can run to completion and
// persist its final state.
func streamEvents(w http.ResponseWriter, events <-chan model.StreamEvent) {
	clientGone := false
	for event := range events {
		if clientGone {
			continue
		}
		if err := writeStreamEvent(w, event); err != nil {
			clientGone = true
		}
	}
}

func messageIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
}
