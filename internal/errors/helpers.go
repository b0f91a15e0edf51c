package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrOffline is returned when a user-triggered sync is requested without connectivity.
var ErrOffline = New(ErrCodeOffline, "device is offline").
	WithUserMessage("You are offline. Messages will be sent when the connection returns")

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewStorageError creates a storage error with operation context. Storage errors are
// retryable: the queue keeps its in-memory copy and tries again on the next write.
func NewStorageError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeStorageUnavailable, fmt.Sprintf("storage %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Local message storage is unavailable")
}

// NewAPIError creates an error for a non-2xx response from the messaging API
func NewAPIError(endpoint string, statusCode int, body string) *AppError {
	code := ErrCodeDeliveryAPI
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusRequestTimeout && statusCode != http.StatusTooManyRequests {
		code = ErrCodeServerRejected
	}

	appErr := New(code, fmt.Sprintf("messaging API returned status %d", statusCode)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode).
		WithUserMessage("Message could not be delivered")
	if body != "" {
		appErr.WithContext("body", body)
	}

	appErr.Retryable = statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	return appErr
}

// NewNetworkError wraps a transport-level failure talking to the messaging API
func NewNetworkError(endpoint string, err error) *AppError {
	return WrapRetryable(err, ErrCodeDeliveryNet, "messaging API unreachable").
		WithContext("endpoint", endpoint).
		WithUserMessage("Network error, the message will be retried")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	appErr := New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, timeout)).
		WithContext("operation", operation).
		WithContext("timeout", timeout.String()).
		WithUserMessage("Operation timed out, please try again")
	appErr.Retryable = true
	return appErr
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeOffline, ErrCodeStorageUnavailable, ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrCodeDeliveryAPI, ErrCodeDeliveryNet, ErrCodeServerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body returned by the control API on failure.
type ErrorResponse struct {
	Error struct {
		Code    ErrorCode              `json:"code"`
		Message string                 `json:"message"`
		Context map[string]interface{} `json:"context,omitempty"`
	} `json:"error"`
}

// ToErrorResponse builds a response body that carries only non-sensitive context.
func ToErrorResponse(err error) ErrorResponse {
	var response ErrorResponse
	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)

	if appErr, ok := As(err); ok && len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "token" && k != "secret" && k != "body" && k != "value" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
