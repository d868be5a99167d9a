package httpdto

// CreateConversationRequest is used for POST /e2ee/conversations
type CreateConversationRequest struct {
	PeerUserID string `json:"peer_user_id" binding:"required"`
}

// BlockUserRequest is used for POST /e2ee/blocks
type BlockUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}
