package delivery

import (
	"context"
	stderrors "errors"
	"time"

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

const relayEndpoint = "/api/offline-messages"

// Relay hands queued messages to the server's offline intake instead of sending them
// directly. The server takes custody on a 2xx; Flush asks it to send what it holds.
type Relay struct {
	api     messaging.Client
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewRelay(api messaging.Client, opts Options) *Relay {
	opts = withDefaults(opts)
	return &Relay{
		api:     api,
		timeout: opts.Timeout,
		breaker: newBreaker("messaging-relay", opts.Breaker, opts.Logger),
		logger:  opts.Logger,
	}
}

func (r *Relay) Deliver(ctx context.Context, msg models.QueuedMessage) models.DeliveryResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "delivery.relay",
		tracing.AttrClientID.String(msg.ClientID),
		tracing.AttrConversationID.String(msg.ConversationID),
	)
	defer span.End()

	req := types.OfflineMessageRequest{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		MessageType:    string(msg.MessageType),
		MediaURL:       msg.MediaURL,
		ClientID:       msg.ClientID,
	}

	start := time.Now()
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.api.QueueOfflineMessage(ctx, req)
	})
	took := time.Since(start)

	if err == nil || stderrors.Is(err, messaging.ErrUnexpectedResponse) {
		metrics.ObserveDelivery(metrics.OutcomeSuccess, took)
		r.logger.WithFields(logrus.Fields{
			"client_id":   privacy.MaskClientID(msg.ClientID),
			"duration_ms": took.Milliseconds(),
		}).Debug("Message handed to server offline queue")
		return models.DeliveryResult{Success: true}
	}

	normalized := normalize(err, relayEndpoint, r.timeout)
	tracing.RecordError(ctx, normalized)
	metrics.ObserveDelivery(outcomeFor(normalized), took)
	return models.DeliveryResult{Err: normalized}
}

// BreakerState reports the circuit state for status endpoints.
func (r *Relay) BreakerState() circuitbreaker.State {
	return r.breaker.GetState()
}

// Flush asks the server to send every relayed message it holds and returns the
// per-message outcome for reconciliation with the local queue.
func (r *Relay) Flush(ctx context.Context) ([]models.Delivery, []models.RelayFailure, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "delivery.relay_flush")
	defer span.End()

	var resp *types.DrainOfflineResponse
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var flushErr error
		resp, flushErr = r.api.DrainOfflineMessages(ctx)
		return flushErr
	})
	if err != nil {
		normalized := normalize(err, relayEndpoint, r.timeout)
		tracing.RecordError(ctx, normalized)
		return nil, nil, normalized
	}
	if resp == nil {
		return nil, nil, errors.New(errors.ErrCodeDeliveryAPI, "empty offline drain response")
	}

	processed := make([]models.Delivery, 0, len(resp.Processed))
	for _, p := range resp.Processed {
		processed = append(processed, models.Delivery{
			ClientID:        p.ClientID,
			ServerMessageID: p.MessageID,
			DeliveredAt:     p.SentAt,
		})
	}
	failed := make([]models.RelayFailure, 0, len(resp.Failed))
	for _, f := range resp.Failed {
		failed = append(failed, models.RelayFailure{ClientID: f.ClientID, Error: f.Error})
	}

	metrics.RelayProcessed.Add(float64(len(processed)))
	metrics.RelayFailed.Add(float64(len(failed)))
	tracing.AddSpanAttributes(ctx,
		tracing.AttrProcessed.Int(len(processed)),
		tracing.AttrFailed.Int(len(failed)),
	)
	r.logger.WithFields(logrus.Fields{
		"processed": len(processed),
		"failed":    len(failed),
	}).Info("Server offline queue flushed")

	return processed, failed, nil
}
