package delivery

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"bizmsg/internal/constants"
	"bizmsg/internal/errors"
	"bizmsg/internal/metrics"
	"bizmsg/internal/models"
	"bizmsg/internal/privacy"
	"bizmsg/internal/tracing"
	"bizmsg/pkg/circuitbreaker"
	"bizmsg/pkg/messaging"
	"bizmsg/pkg/messaging/types"

	"github.com/sirupsen/logrus"
)

const sendEndpoint = "/api/conversations/{id}/messages"

type Options struct {
	// Timeout bounds a single send (default 15s). Hitting it counts as a failed attempt.
	Timeout time.Duration
	Breaker models.CircuitBreakerConfig
	Logger  *logrus.Logger
}

// Client delivers queued messages through the direct send endpoint and normalizes
// every outcome into a models.DeliveryResult.
type Client struct {
	api     messaging.Client
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewClient(api messaging.Client, opts Options) *Client {
	opts = withDefaults(opts)
	return &Client{
		api:     api,
		timeout: opts.Timeout,
		breaker: newBreaker("messaging-send", opts.Breaker, opts.Logger),
		logger:  opts.Logger,
	}
}

func (c *Client) Deliver(ctx context.Context, msg models.QueuedMessage) models.DeliveryResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "delivery.send",
		tracing.AttrClientID.String(msg.ClientID),
		tracing.AttrConversationID.String(msg.ConversationID),
		tracing.AttrMessageType.String(string(msg.MessageType)),
	)
	defer span.End()

	req := types.SendMessageRequest{
		Content:     msg.Content,
		MessageType: string(msg.MessageType),
		MediaURL:    msg.MediaURL,
		ClientID:    msg.ClientID,
	}

	start := time.Now()
	var record *types.MessageRecord
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		record, sendErr = c.api.SendMessage(ctx, msg.ConversationID, req)
		return sendErr
	})
	took := time.Since(start)

	fields := logrus.Fields{
		"client_id":       privacy.MaskClientID(msg.ClientID),
		"conversation_id": privacy.MaskConversationID(msg.ConversationID),
		"duration_ms":     took.Milliseconds(),
	}

	if err == nil || stderrors.Is(err, messaging.ErrUnexpectedResponse) {
		metrics.ObserveDelivery(metrics.OutcomeSuccess, took)
		result := models.DeliveryResult{Success: true}
		if record != nil {
			result.ServerMessageID = record.ID
		}
		if err != nil {
			fields["error"] = err.Error()
			c.logger.WithFields(fields).Warn("Message accepted but response could not be decoded")
		} else {
			fields["server_message_id"] = privacy.MaskMessageID(result.ServerMessageID)
			c.logger.WithFields(fields).Debug("Message delivered")
		}
		return result
	}

	normalized := normalize(err, sendEndpoint, c.timeout)
	tracing.RecordError(ctx, normalized)
	metrics.ObserveDelivery(outcomeFor(normalized), took)
	c.logger.WithFields(fields).WithField("error_code", errors.GetCode(normalized)).Debug("Message delivery failed")
	return models.DeliveryResult{Err: normalized}
}

// BreakerState reports the circuit state for status endpoints.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

func withDefaults(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second
	}
	if opts.Breaker.MaxFailures <= 0 {
		opts.Breaker.MaxFailures = constants.DefaultCircuitMaxFailures
	}
	if opts.Breaker.ResetTimeoutSec <= 0 {
		opts.Breaker.ResetTimeoutSec = constants.DefaultCircuitResetTimeoutSec
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return opts
}

func newBreaker(name string, cfg models.CircuitBreakerConfig, logger *logrus.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewWithOptions(name, circuitbreaker.Options{
		MaxFailures:      uint32(cfg.MaxFailures),
		Timeout:          time.Duration(cfg.ResetTimeoutSec) * time.Second,
		HalfOpenMaxCalls: constants.DefaultCircuitHalfOpenCalls,
		IsFailure:        countsAgainstCircuit,
		Logger:           logger,
		OnStateChange: func(_ string, _, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen {
				metrics.CircuitOpened.Inc()
			}
		},
	})
}

// countsAgainstCircuit ignores outcomes that say nothing about server health: a
// request the server rejected as invalid, or a 2xx with an odd body.
func countsAgainstCircuit(err error) bool {
	if err == nil || stderrors.Is(err, messaging.ErrUnexpectedResponse) {
		return false
	}
	if apiErr, ok := messaging.AsAPIError(err); ok {
		return apiErr.StatusCode >= 500 ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// normalize maps a raw client error onto the AppError taxonomy.
func normalize(err error, endpoint string, timeout time.Duration) error {
	switch {
	case circuitbreaker.IsCircuitBreakerError(err):
		return errors.WrapRetryable(err, errors.ErrCodeCircuitOpen, "messaging API circuit is open").
			WithContext("endpoint", endpoint).
			WithUserMessage("Messaging service is unavailable, the message will be retried")
	case stderrors.Is(err, context.DeadlineExceeded):
		appErr := errors.NewTimeoutError("send to "+endpoint, timeout)
		appErr.Cause = err
		return appErr
	}

	if apiErr, ok := messaging.AsAPIError(err); ok {
		detail := apiErr.Message
		if detail == "" {
			detail = apiErr.Body
		}
		appErr := errors.NewAPIError(apiErr.Endpoint, apiErr.StatusCode, detail)
		appErr.Cause = apiErr
		return appErr
	}
	return errors.NewNetworkError(endpoint, err)
}

func outcomeFor(err error) string {
	if errors.HasCode(err, errors.ErrCodeCircuitOpen) {
		return metrics.OutcomeCircuitOpen
	}
	return metrics.OutcomeFailure
}
