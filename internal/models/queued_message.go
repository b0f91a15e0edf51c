package models

import "time"

// MessageType is the kind of payload a queued message carries.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeMedia  MessageType = "media"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeMedia, MessageTypeSystem:
		return true
	}
	return false
}

// RequiresMedia reports whether a message of this type must carry a media URL.
func (t MessageType) RequiresMedia() bool {
	return t == MessageTypeImage || t == MessageTypeFile || t == MessageTypeMedia
}

// MessageState is the delivery state of a queued message.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StateSending   MessageState = "sending"
	StateFailed    MessageState = "failed"
	StateDelivered MessageState = "delivered"
)

// QueuedMessage is an outbound message that has not been confirmed by the server yet.
// ClientID doubles as the idempotency key sent with every delivery attempt.
type QueuedMessage struct {
	ClientID       string       `json:"clientId"`
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	MessageType    MessageType  `json:"messageType"`
	MediaURL       *string      `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"maxAttempts"`
	State          MessageState `json:"state"`
	LastError      string       `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time   `json:"lastAttemptAt,omitempty"`
	NextAttemptAt  *time.Time   `json:"nextAttemptAt,omitempty"`
}

// Exhausted reports whether the message has used up its retry budget.
func (m *QueuedMessage) Exhausted() bool {
	return m.Attempts >= m.MaxAttempts
}

// TerminallyFailed reports whether the message has left the automatic retry pool.
func (m *QueuedMessage) TerminallyFailed() bool {
	return m.State == StateFailed && m.Exhausted()
}

// Retryable reports whether a drain should consider the message.
func (m *QueuedMessage) Retryable() bool {
	switch m.State {
	case StatePending:
		return true
	case StateFailed:
		return !m.Exhausted()
	}
	return false
}

// DueAt reports whether a backoff delay, if any, has elapsed at now.
func (m *QueuedMessage) DueAt(now time.Time) bool {
	return m.NextAttemptAt == nil || !now.Before(*m.NextAttemptAt)
}

// Clone returns a deep copy safe to hand out of the queue manager.
func (m *QueuedMessage) Clone() QueuedMessage {
	c := *m
	if m.MediaURL != nil {
		u := *m.MediaURL
		c.MediaURL = &u
	}
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if m.NextAttemptAt != nil {
		t := *m.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return c
}

// DrainResult lists the outcome of one drain pass.
type DrainResult struct {
	Processed []string `json:"processed"`
	Failed    []string `json:"failed"`
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`
}

// Delivery is the server confirmation of a queued message.
type Delivery struct {
	ClientID        string    `json:"clientId"`
	ConversationID  string    `json:"conversationId"`
	ServerMessageID string    `json:"serverMessageId,omitempty"`
	DeliveredAt     time.Time `json:"deliveredAt"`
}

// DeliveryResult is the normalized outcome of one delivery attempt.
type DeliveryResult struct {
	Success         bool
	ServerMessageID string
	Err             error
}

// RelayFailure is a message the server could not send from its own offline queue.
type RelayFailure struct {
	ClientID string `json:"clientId"`
	Error    string `json:"error"`
}
