package types

import "time"

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content     string  `json:"content"`
	MessageType string  `json:"message_type"`
	MediaURL    *string `json:"media_url,omitempty"`
	ClientID    string  `json:"client_id"`
}

// MessageRecord is the message the server created (or found, on a deduplicated retry).
type MessageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	MediaURL       *string   `json:"media_url,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// OfflineMessageRequest is the body of POST /api/offline-messages. The server upserts
// on ClientID.
type OfflineMessageRequest struct {
	ConversationID string  `json:"conversation_id"`
	Content        string  `json:"content"`
	MessageType    string  `json:"message_type"`
	MediaURL       *string `json:"media_url,omitempty"`
	ReplyToID      *string `json:"reply_to_id,omitempty"`
	ClientID       string  `json:"client_id"`
}

// ProcessedOfflineMessage is one message the server sent from its offline queue.
type ProcessedOfflineMessage struct {
	ClientID  string    `json:"client_id"`
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// FailedOfflineMessage is one message the server could not send from its offline queue.
type FailedOfflineMessage struct {
	ClientID string `json:"client_id"`
	Error    string `json:"error"`
}

// DrainOfflineResponse is the body returned by GET /api/offline-messages.
type DrainOfflineResponse struct {
	Processed      []ProcessedOfflineMessage `json:"processed"`
	Failed         []FailedOfflineMessage    `json:"failed"`
	TotalProcessed int                       `json:"total_processed"`
	TotalFailed    int                       `json:"total_failed"`
}

// ErrorResponse is the error body the messaging API returns on non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
