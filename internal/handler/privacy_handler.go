package handler

import (
	"net/http"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PrivacyHandler struct {
	service *services.PrivacyService
}

func NewPrivacyHandler(service *services.PrivacyService) *PrivacyHandler {
	return &PrivacyHandler{service: service}
}

func (h *PrivacyHandler) Block(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.BlockUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}
	targetID, err := uuid.Parse(req.UserID)
	if err != nil {
		badRequest(c, "user_id")
		return
	}

	if err := h.service.Block(c.Request.Context(), callerID, targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"blocked": true}))
}

func (h *PrivacyHandler) Unblock(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}

	if err := h.service.Unblock(c.Request.Context(), callerID, targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"blocked": false}))
}

func (h *PrivacyHandler) List(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	blocks, err := h.service.ListBlocks(c.Request.Context(), callerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(blocks))
}
