package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"keyrelay/internal/transport/httpdto"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler turns service errors attached via c.Error into the
// envelope the clients expect. Handlers only classify errors through
// the shared sentinel and code types; the HTTP mapping lives here.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		code := keyrelay_errors.CodeOf(err)
		status := statusFor(err)
		meta := keyrelay_errors.MetaOf(err)

		if code == keyrelay_errors.CodeEpochStale {
			if epoch, ok := meta["current_epoch"]; ok {
				c.Header("X-Current-Epoch", fmt.Sprintf("%v", epoch))
			}
		}
		if l != nil {
			if status >= 500 {
				l.Errorf("request failed: %s", err.Error())
			} else if securityCode(code) {
				l.Warnf("request refused (%s): %s", code, err.Error())
			}
		}

		message := err.Error()
		if status >= 500 {
			message = "internal error"
			code = keyrelay_errors.CodeInternal
			meta = nil
		}
		c.JSON(status, httpdto.NewErrorResponseWithMeta(message, code, meta))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, keyrelay_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, keyrelay_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, keyrelay_errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, keyrelay_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, keyrelay_errors.ErrAlreadyExists), errors.Is(err, keyrelay_errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, keyrelay_errors.ErrGone):
		return http.StatusGone
	case errors.Is(err, keyrelay_errors.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, keyrelay_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, keyrelay_errors.ErrFeatureDisabled):
		return http.StatusForbidden
	case errors.Is(err, keyrelay_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// securityCode marks refusals worth surfacing in the logs even though
// they are client errors.
func securityCode(code string) bool {
	switch code {
	case keyrelay_errors.CodeBlocked,
		keyrelay_errors.CodeDeviceRevoked,
		keyrelay_errors.CodeIdentityChangeBlocked,
		keyrelay_errors.CodeBanned,
		keyrelay_errors.CodeNotInvited:
		return true
	}
	return false
}
