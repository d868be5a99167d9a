package handler

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MessageHandler struct {
	service *services.MessageService
}

func NewMessageHandler(service *services.MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

func (h *MessageHandler) Send(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}

	in := services.SendMessageInput{
		Proto:           req.Proto,
		GroupEpoch:      req.GroupEpoch,
		ClientMessageID: req.ClientMessageID,
	}
	senderDeviceID, err := uuid.Parse(req.SenderDeviceID)
	if err != nil {
		badRequest(c, "sender_device_id")
		return
	}
	in.SenderDeviceID = senderDeviceID

	if req.ConversationID != "" {
		conversationID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			badRequest(c, "conversation_id")
			return
		}
		in.ConversationID = &conversationID
	}
	if req.GroupID != "" {
		groupID, err := uuid.Parse(req.GroupID)
		if err != nil {
			badRequest(c, "group_id")
			return
		}
		in.GroupID = &groupID
	}
	if in.Ciphertext, err = base64.StdEncoding.DecodeString(req.Ciphertext); err != nil {
		badRequest(c, "ciphertext")
		return
	}

	view, err := h.service.SendMessage(c.Request.Context(), callerID, in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(view))
}

func (h *MessageHandler) ListConversationMessages(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := parseUUIDParam(c, "conversationID")
	if !ok {
		return
	}
	before, limit, ok := pagination(c)
	if !ok {
		return
	}

	views, err := h.service.GetConversationMessages(c.Request.Context(), callerID, conversationID, before, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(views))
}

func (h *MessageHandler) ListGroupMessages(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	before, limit, ok := pagination(c)
	if !ok {
		return
	}

	views, err := h.service.GetGroupMessages(c.Request.Context(), callerID, groupID, before, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(views))
}

func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := parseUUIDParam(c, "messageID")
	if !ok {
		return
	}

	receipt, err := h.service.MarkDelivered(c.Request.Context(), callerID, messageID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(receipt))
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := parseUUIDParam(c, "messageID")
	if !ok {
		return
	}

	receipt, err := h.service.MarkRead(c.Request.Context(), callerID, messageID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(receipt))
}

func pagination(c *gin.Context) (time.Time, int, bool) {
	before := time.Now()
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "before")
			return time.Time{}, 0, false
		}
		before = parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return before, limit, true
}
