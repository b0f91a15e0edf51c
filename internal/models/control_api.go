package models

// SendRequest is the body of POST /v1/messages on the control API.
type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	MediaURL       *string     `json:"mediaUrl,omitempty"`
}

type SendResponse struct {
	ClientID string `json:"clientId"`
}

type ConnectivityRequest struct {
	Online bool `json:"online"`
}

type ForegroundRequest struct {
	Foreground bool `json:"foreground"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	StorageBackend   string `json:"storageBackend"`
	StoreUnavailable bool   `json:"storeUnavailable"`
	Circuit          string `json:"circuit,omitempty"`
}
