package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"keyrelay/internal/transport/httpdto"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithError(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandler(nil))
	engine.GET("/boom", func(c *gin.Context) {
		_ = c.Error(err)
		c.Abort()
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpdto.Response[any] {
	t.Helper()
	var body httpdto.Response[any]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorHandlerStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid input", keyrelay_errors.ErrInvalidInput, http.StatusBadRequest, keyrelay_errors.CodeInvalidRequest},
		{"unauthorized", keyrelay_errors.ErrUnauthorized, http.StatusUnauthorized, keyrelay_errors.CodeUnauthorized},
		{"forbidden", keyrelay_errors.ErrForbidden, http.StatusForbidden, keyrelay_errors.CodeForbidden},
		{"not found", keyrelay_errors.ErrNotFound, http.StatusNotFound, keyrelay_errors.CodeNotFound},
		{"conflict", keyrelay_errors.ErrConflict, http.StatusConflict, keyrelay_errors.CodeConflict},
		{"gone", keyrelay_errors.ErrGone, http.StatusGone, keyrelay_errors.CodeGone},
		{"too large", keyrelay_errors.ErrTooLarge, http.StatusRequestEntityTooLarge, keyrelay_errors.CodeInvalidRequest},
		{"rate limited", keyrelay_errors.ErrRateLimited, http.StatusTooManyRequests, keyrelay_errors.CodeRateLimited},
		// A disabled feature is a policy refusal, not an outage.
		{"feature disabled", keyrelay_errors.ErrFeatureDisabled, http.StatusForbidden, keyrelay_errors.CodeFeatureDisabled},
		{"unavailable", keyrelay_errors.ErrServiceUnavailable, http.StatusServiceUnavailable, keyrelay_errors.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serveWithError(t, tc.err)
			assert.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tc.code, body.Code)
		})
	}
}

func TestErrorHandlerMeta(t *testing.T) {
	t.Run("rate limit window travels in meta", func(t *testing.T) {
		err := keyrelay_errors.New(keyrelay_errors.CodeRateLimited,
			"message rate limit exceeded", keyrelay_errors.ErrRateLimited).
			WithMeta("limit", 30).
			WithMeta("remaining", 0).
			WithMeta("retry_after_seconds", int64(12))

		rec := serveWithError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		body := decodeError(t, rec)
		assert.EqualValues(t, 30, body.Meta["limit"])
		assert.EqualValues(t, 0, body.Meta["remaining"])
		assert.EqualValues(t, 12, body.Meta["retry_after_seconds"])
	})

	t.Run("stale epoch exposes the current one as a header", func(t *testing.T) {
		err := keyrelay_errors.New(keyrelay_errors.CodeEpochStale,
			"group epoch has moved on", keyrelay_errors.ErrConflict).
			WithMeta("current_epoch", int64(7))

		rec := serveWithError(t, err)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "7", rec.Header().Get("X-Current-Epoch"))
	})

	t.Run("internals are masked", func(t *testing.T) {
		rec := serveWithError(t, assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "internal error", body.Error)
		assert.Equal(t, keyrelay_errors.CodeInternal, body.Code)
		assert.Nil(t, body.Meta)
	})
}
