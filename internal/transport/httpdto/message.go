package httpdto

// SendMessageRequest is used for POST /e2ee/messages. Exactly one of
// conversation_id / group_id must be set; ciphertext is base64 and
// opaque to the server.
type SendMessageRequest struct {
	ConversationID  string `json:"conversation_id"`
	GroupID         string `json:"group_id"`
	SenderDeviceID  string `json:"sender_device_id" binding:"required"`
	Ciphertext      string `json:"ciphertext" binding:"required"`
	Proto           string `json:"proto"`
	GroupEpoch      *int64 `json:"group_epoch"`
	ClientMessageID string `json:"client_message_id"`
}
