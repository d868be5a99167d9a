package handler

import (
	"net/http"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type MetricsHandler struct {
	service *services.MetricsService
}

func NewMetricsHandler(service *services.MetricsService) *MetricsHandler {
	return &MetricsHandler{service: service}
}

func (h *MetricsHandler) Summary(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	summary, err := h.service.GetSummary(c.Request.Context(), callerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(summary))
}
