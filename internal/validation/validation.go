package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"bizmsg/internal/constants"
	"bizmsg/internal/errors"
	"bizmsg/internal/models"
)

// ValidateConversationID validates conversation ID format and length
func ValidateConversationID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.NewValidationError("conversationId", conversationID, "conversation ID cannot be empty")
	}

	if len(conversationID) > constants.MaxConversationIDLength {
		return errors.NewValidationError("conversationId", conversationID,
			fmt.Sprintf("conversation ID too long (max %d characters)", constants.MaxConversationIDLength))
	}

	// The id is interpolated into the request path.
	if strings.ContainsAny(conversationID, "/?#\x00\n\r\t") {
		return errors.NewValidationError("conversationId", conversationID, "conversation ID contains invalid characters")
	}

	return nil
}

// ValidateClientID validates a client ID received from outside the process.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return errors.NewValidationError("clientId", clientID, "client ID cannot be empty")
	}

	if len(clientID) > constants.MaxClientIDLength {
		return errors.NewValidationError("clientId", clientID,
			fmt.Sprintf("client ID too long (max %d characters)", constants.MaxClientIDLength))
	}

	if strings.ContainsAny(clientID, "\x00\n\r\t ") {
		return errors.NewValidationError("clientId", clientID, "client ID contains invalid characters")
	}

	return nil
}

func ValidateMessageType(messageType models.MessageType) error {
	if !messageType.Valid() {
		return errors.NewValidationError("messageType", string(messageType),
			fmt.Sprintf("unsupported message type: %q", messageType))
	}
	return nil
}

// ValidateContent checks the body against the message type. Media messages may carry
// an empty caption.
func ValidateContent(content string, messageType models.MessageType) error {
	if !utf8.ValidString(content) {
		return errors.NewValidationError("content", "", "content must be valid UTF-8")
	}

	if !messageType.RequiresMedia() && strings.TrimSpace(content) == "" {
		return errors.NewValidationError("content", "", "content cannot be empty")
	}

	if n := utf8.RuneCountInString(content); n > constants.MaxMessageContentRunes {
		return errors.NewValidationError("content", "",
			fmt.Sprintf("content too long: %d characters (max %d)", n, constants.MaxMessageContentRunes))
	}

	return nil
}

// ValidateMediaURL requires an absolute http(s) URL.
func ValidateMediaURL(mediaURL string) error {
	if len(mediaURL) > constants.MaxMediaURLLength {
		return errors.NewValidationError("mediaUrl", "",
			fmt.Sprintf("media URL too long (max %d characters)", constants.MaxMediaURLLength))
	}

	u, err := url.Parse(mediaURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.NewValidationError("mediaUrl", mediaURL, "media URL must be an absolute http or https URL")
	}

	return nil
}

// ValidateOutgoingMessage validates the arguments of an enqueue call.
func ValidateOutgoingMessage(conversationID, content string, messageType models.MessageType, mediaURL *string) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}
	if err := ValidateMessageType(messageType); err != nil {
		return err
	}
	if err := ValidateContent(content, messageType); err != nil {
		return err
	}

	if mediaURL == nil || *mediaURL == "" {
		if messageType.RequiresMedia() {
			return errors.NewValidationError("mediaUrl", "",
				fmt.Sprintf("%s messages require a media URL", messageType))
		}
		return nil
	}

	return ValidateMediaURL(*mediaURL)
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	return ValidateNumericRange(timeoutSec, fieldName, 1, 3600)
}
