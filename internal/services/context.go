package services

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

var userIDKey ctxKey = "user_id"
var operatorKey ctxKey = "is_operator"

func WithUserContext(ctx context.Context, userID uuid.UUID, isOperator bool) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	if isOperator {
		ctx = context.WithValue(ctx, operatorKey, true)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}

func IsOperatorFromContext(ctx context.Context) bool {
	value := ctx.Value(operatorKey)
	if value == nil {
		return false
	}
	isOperator, ok := value.(bool)
	return ok && isOperator
}
