package handler

import (
	"net/http"
	"strconv"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ConversationHandler struct {
	service *services.ConversationService
}

func NewConversationHandler(service *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

func (h *ConversationHandler) Create(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}
	peerID, err := uuid.Parse(req.PeerUserID)
	if err != nil {
		badRequest(c, "peer_user_id")
		return
	}

	view, err := h.service.FindOrCreate(c.Request.Context(), callerID, peerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(view))
}

func (h *ConversationHandler) Get(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := parseUUIDParam(c, "conversationID")
	if !ok {
		return
	}

	view, err := h.service.GetConversation(c.Request.Context(), callerID, conversationID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(view))
}

func (h *ConversationHandler) List(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	views, err := h.service.ListConversations(c.Request.Context(), callerID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(views))
}
