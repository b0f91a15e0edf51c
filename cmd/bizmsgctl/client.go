package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bizmsg/internal/errors"
	"bizmsg/internal/middleware"

	"github.com/google/uuid"
)

// controlClient talks to the control API of a running bizmsg daemon.
type controlClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newControlClient(baseURL, token string, timeout time.Duration) *controlClient {
	return &controlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and decodes a 2xx response into out when out is non-nil.
// Non-2xx responses are returned as *requestError.
func (c *controlClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.RequestIDHeader, uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newRequestError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type requestError struct {
	Status  int
	Code    string
	Message string
}

func newRequestError(status int, body []byte) *requestError {
	re := &requestError{Status: status}

	var appErr errors.ErrorResponse
	if err := json.Unmarshal(body, &appErr); err == nil && appErr.Error.Code != "" {
		re.Code = string(appErr.Error.Code)
		re.Message = appErr.Error.Message
		return re
	}

	// The auth middleware answers with a flat {"error", "message"} body.
	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		re.Code = flat.Error
		re.Message = flat.Message
		return re
	}

	re.Message = strings.TrimSpace(string(body))
	return re
}

func (e *requestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}
