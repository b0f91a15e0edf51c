package privacy

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"bizmsg/internal/constants"
)

// MaskContent replaces a message body with a short prefix and its length.
// Example: "hello there" -> "hell…(11 chars)"
func MaskContent(content string) string {
	if content == "" {
		return ""
	}

	n := utf8.RuneCountInString(content)
	if n <= constants.DefaultContentPreviewLength {
		return strings.Repeat("*", n)
	}

	preview := []rune(content)[:constants.DefaultContentPreviewLength]
	return fmt.Sprintf("%s…(%d chars)", string(preview), n)
}

// MaskConversationID keeps the last 4 characters of a conversation id.
// Example: "conv-123456" -> "*******3456"
func MaskConversationID(conversationID string) string {
	return maskString(conversationID, 4)
}

// MaskClientID keeps the "local_" prefix and the last characters of a client id so
// log lines for the same message can still be correlated.
// Example: "local_0192f6a0-...-3fa2c1d9e8b7" -> "local_****c1d9e8b7"
func MaskClientID(clientID string) string {
	if clientID == "" {
		return ""
	}

	rest, hasPrefix := strings.CutPrefix(clientID, constants.ClientIDPrefix)
	if !hasPrefix {
		return maskString(clientID, constants.DefaultMessageIDLength)
	}
	if len(rest) <= constants.DefaultMessageIDLength {
		return constants.ClientIDPrefix + strings.Repeat("*", len(rest))
	}
	return constants.ClientIDPrefix + "****" + rest[len(rest)-constants.DefaultMessageIDLength:]
}

// MaskMessageID masks a server-assigned message id, showing the last 8 characters.
func MaskMessageID(messageID string) string {
	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskURL reduces a media URL to its scheme and host.
// Example: "https://cdn.example.com/u/42/photo.jpg?sig=abc" -> "https://cdn.example.com/…"
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskString(raw, 4)
	}
	return u.Scheme + "://" + u.Host + "/…"
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}

		switch k {
		case "content", "body", "text":
			masked[k] = MaskContent(s)
		case "conversation_id", "conversationId":
			masked[k] = MaskConversationID(s)
		case "client_id", "clientId":
			masked[k] = MaskClientID(s)
		case "message_id", "messageId", "server_message_id":
			masked[k] = MaskMessageID(s)
		case "user_id", "userId":
			masked[k] = MaskUserID(s)
		case "media_url", "mediaUrl":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
