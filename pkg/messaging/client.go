package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bizmsg/pkg/messaging/types"

	"github.com/sirupsen/logrus"
)

// IdempotencyKeyHeader carries the client id on every write so a retried request
// can be deduplicated even by proxies that never look at the body.
const IdempotencyKeyHeader = "Idempotency-Key"

// ErrUnexpectedResponse wraps a 2xx response whose body could not be decoded. The
// request itself succeeded.
var ErrUnexpectedResponse = errors.New("unexpected response body")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

type Client interface {
	SendMessage(ctx context.Context, conversationID string, req types.SendMessageRequest) (*types.MessageRecord, error)
	QueueOfflineMessage(ctx context.Context, req types.OfflineMessageRequest) error
	DrainOfflineMessages(ctx context.Context) (*types.DrainOfflineResponse, error)
}

// APIError is a non-2xx response from the messaging API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s returned %d", e.Endpoint, e.StatusCode)
}

// AsAPIError finds an *APIError in err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type MessagingClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *logrus.Logger
}

func NewClient(baseURL, authToken string, httpClient *http.Client) Client {
	return NewClientWithLogger(baseURL, authToken, httpClient, nil)
}

func NewClientWithLogger(baseURL, authToken string, httpClient *http.Client, logger *logrus.Logger) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &MessagingClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client:    httpClient,
		logger:    logger,
	}
}

func (c *MessagingClient) SendMessage(ctx context.Context, conversationID string, req types.SendMessageRequest) (*types.MessageRecord, error) {
	endpoint := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"

	var record types.MessageRecord
	if err := c.do(ctx, http.MethodPost, endpoint, req.ClientID, req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *MessagingClient) QueueOfflineMessage(ctx context.Context, req types.OfflineMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/api/offline-messages", req.ClientID, req, nil)
}

func (c *MessagingClient) DrainOfflineMessages(ctx context.Context) (*types.DrainOfflineResponse, error) {
	var result types.DrainOfflineResponse
	if err := c.do(ctx, http.MethodGet, "/api/offline-messages", "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *MessagingClient) do(ctx context.Context, method, endpoint, idempotencyKey string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Messaging API request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(raw)}

		var errResp types.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil {
			apiErr.Message = errResp.Error
			if apiErr.Message == "" {
				apiErr.Message = errResp.Message
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}
