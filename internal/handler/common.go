package handler

import (
	"net/http"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// currentUserID pulls the authenticated caller out of the request
// context. The auth middleware guarantees it on protected routes.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", keyrelay_errors.CodeUnauthorized))
		c.Abort()
	}
	return userID, ok
}

// fail hands the error to the error middleware for mapping.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func badRequest(c *gin.Context, field string) {
	c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid "+field, keyrelay_errors.CodeInvalidRequest))
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, name)
		return uuid.Nil, false
	}
	return id, true
}
