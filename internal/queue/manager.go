package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bizmsg/internal/constants"
	"bizmsg/internal/errors"
	"bizmsg/internal/metrics"
	"bizmsg/internal/models"
	"bizmsg/internal/privacy"
	"bizmsg/internal/retry"
	"bizmsg/internal/tracing"
	"bizmsg/internal/validation"

	"github.com/sirupsen/logrus"
)

// Deliverer sends one queued message and reports a normalized outcome. Transport and
// HTTP failures are returned in DeliveryResult.Err, never as panics.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.QueuedMessage) models.DeliveryResult
}

// DeliveryListener is notified after the server confirms a message.
type DeliveryListener func(models.Delivery)

type Options struct {
	Store Snapshotter
	// DeadLetter keeps terminally failed messages across restarts. Optional.
	DeadLetter  Snapshotter
	Deliverer   Deliverer
	MaxAttempts int
	// Backoff spaces out retries of a failed message. nil retries on every drain.
	Backoff     *retry.Backoff
	Logger      *logrus.Logger
	Now         func() time.Time
	NewClientID func() string
}

// Manager owns every not-yet-confirmed outbound message. All mutations of the
// in-memory list go through it; drains are single-flight.
type Manager struct {
	store       Snapshotter
	deadLetter  Snapshotter
	deliverer   Deliverer
	maxAttempts int
	backoff     *retry.Backoff
	logger      *logrus.Logger
	errLog      *errors.Logger
	now         func() time.Time
	newID       func() string

	// persistMu orders snapshot writes so an older snapshot never overwrites a newer one.
	persistMu sync.Mutex
	inflight  sync.WaitGroup

	mu        sync.Mutex
	active    []*models.QueuedMessage
	failed    []*models.QueuedMessage
	loaded    bool
	draining  bool
	disposed  bool
	lastSync  *time.Time
	lastErr   string
	storeDown bool
	listeners []DeliveryListener
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "queue manager requires a store")
	}
	if opts.Deliverer == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "queue manager requires a deliverer")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = constants.DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewClientID == nil {
		opts.NewClientID = NewClientID
	}

	return &Manager{
		store:       opts.Store,
		deadLetter:  opts.DeadLetter,
		deliverer:   opts.Deliverer,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		logger:      opts.Logger,
		errLog:      errors.WrapLogger(opts.Logger),
		now:         opts.Now,
		newID:       opts.NewClientID,
	}, nil
}

// Initialize loads the persisted queue. A load failure is returned but leaves the
// manager usable; the next operation that needs the store retries the load.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		m.errLog.LogRetryableError(err, "Failed to load offline queue", logrus.Fields{LogFieldComponent: component})
		return err
	}

	m.mu.Lock()
	pending, failed := len(m.active), len(m.failed)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		LogFieldComponent: component,
		LogFieldPending:   pending,
		LogFieldFailed:    failed,
	}).Info("Loaded offline queue")
	return nil
}

// Dispose waits for an in-flight drain, writes a final snapshot and rejects further
// Enqueue and Drain calls.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if !loaded {
		return nil
	}
	return m.persist(ctx)
}

// OnDelivered registers a listener for server confirmations. Listeners run on the
// draining goroutine and must not call back into a running Drain.
func (m *Manager) OnDelivered(fn DeliveryListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Enqueue queues a message and returns its client id without touching the network.
// Only invalid input is returned as an error: a failed write is recorded on the
// queue state and retried with the next snapshot.
func (m *Manager) Enqueue(ctx context.Context, conversationID, content string, messageType models.MessageType, mediaURL *string) (string, error) {
	if err := validation.ValidateOutgoingMessage(conversationID, content, messageType, mediaURL); err != nil {
		return "", err
	}

	var media *string
	if mediaURL != nil && *mediaURL != "" {
		u := *mediaURL
		media = &u
	}

	msg := &models.QueuedMessage{
		ClientID:       m.newID(),
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
		MediaURL:       media,
		CreatedAt:      m.now(),
		MaxAttempts:    m.maxAttempts,
		State:          models.StatePending,
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return "", errors.New(errors.ErrCodeInternalError, "offline queue is shut down")
	}
	m.active = append(m.active, msg)
	loaded := m.loaded
	m.publishSizesLocked()
	m.mu.Unlock()

	metrics.MessagesEnqueued.Inc()
	m.logger.WithFields(logrus.Fields{
		LogFieldComponent:      component,
		LogFieldClientID:       privacy.MaskClientID(msg.ClientID),
		LogFieldConversationID: privacy.MaskConversationID(conversationID),
		LogFieldMessageType:    messageType,
	}).Debug("Queued outbound message")

	if !loaded {
		// Writing before the stored snapshot is merged would drop it.
		if err := m.load(ctx); err != nil {
			m.errLog.LogRetryableError(err, "Queued message kept in memory only", logrus.Fields{
				LogFieldClientID: privacy.MaskClientID(msg.ClientID),
			})
			return msg.ClientID, nil
		}
	}

	if err := m.persist(ctx); err != nil {
		m.errLog.LogRetryableError(err, "Queued message kept in memory only", logrus.Fields{
			LogFieldClientID: privacy.MaskClientID(msg.ClientID),
		})
	}
	return msg.ClientID, nil
}

// Drain attempts every pending and retryable message once, oldest first, one at a
// time. A call made while another drain runs returns immediately with Skipped set.
// Per-message failures are reported in the result; only store failures and context
// cancellation are returned as errors.
func (m *Manager) Drain(ctx context.Context) (models.DrainResult, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return models.DrainResult{}, errors.New(errors.ErrCodeInternalError, "offline queue is shut down")
	}
	if m.draining {
		m.mu.Unlock()
		metrics.ObserveDrain(metrics.DrainSkipped, 0)
		m.logger.WithField(LogFieldComponent, component).Debug("Skipping drain: already in progress")
		return models.DrainResult{Skipped: true}, nil
	}
	m.draining = true
	m.inflight.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
		m.inflight.Done()
	}()

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "queue.drain")
	defer span.End()

	result, err := m.drain(ctx)
	tracing.AddSpanAttributes(ctx,
		tracing.AttrProcessed.Int(len(result.Processed)),
		tracing.AttrFailed.Int(len(result.Failed)),
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		metrics.ObserveDrain(metrics.DrainError, time.Since(start))
		return result, err
	}

	metrics.ObserveDrain(metrics.DrainCompleted, time.Since(start))
	return result, nil
}

type attemptOutcome int

const (
	outcomeDelivered attemptOutcome = iota
	outcomeRetryable
	outcomeTerminal
	outcomeGone
)

func (m *Manager) drain(ctx context.Context) (models.DrainResult, error) {
	result := models.DrainResult{Processed: []string{}, Failed: []string{}}

	if err := m.load(ctx); err != nil {
		m.errLog.LogRetryableError(err, "Failed to load offline queue, aborting drain", logrus.Fields{LogFieldComponent: component})
		return result, err
	}

	start := time.Now()
	batch := m.dueMessages()
	var lastFailure, aborted error

	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			aborted = err
			break
		}

		outcome, delivery, err := m.attempt(ctx, msg)
		switch outcome {
		case outcomeDelivered:
			result.Processed = append(result.Processed, delivery.ClientID)
			m.notifyDelivered(delivery)
		case outcomeTerminal:
			result.Failed = append(result.Failed, msg.ClientID)
			lastFailure = err
		case outcomeRetryable:
			lastFailure = err
		}
	}

	// The pass is over; a cancelled caller must not prevent recording its outcome.
	persistErr := m.persist(context.WithoutCancel(ctx))

	m.mu.Lock()
	if persistErr == nil && aborted == nil {
		now := m.now()
		m.lastSync = &now
		if lastFailure != nil {
			m.lastErr = fmt.Sprintf("Some messages could not be sent: %s", userMessage(lastFailure))
		} else {
			m.lastErr = ""
		}
	}
	pending := len(m.active)
	m.publishSizesLocked()
	m.mu.Unlock()

	fields := logrus.Fields{
		LogFieldComponent: component,
		LogFieldProcessed: len(result.Processed),
		LogFieldFailed:    len(result.Failed),
		LogFieldPending:   pending,
		LogFieldDuration:  time.Since(start).Milliseconds(),
	}
	switch {
	case persistErr != nil:
		m.errLog.LogRetryableError(persistErr, "Failed to persist queue after drain", fields)
		return result, persistErr
	case aborted != nil:
		m.logger.WithFields(fields).Warn("Drain interrupted")
		return result, aborted
	case len(batch) > 0:
		m.logger.WithFields(fields).Info("Drain completed")
	default:
		m.logger.WithFields(fields).Debug("Drain completed")
	}
	return result, nil
}

// dueMessages returns the retryable messages whose backoff has elapsed, oldest first.
func (m *Manager) dueMessages() []*models.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	batch := make([]*models.QueuedMessage, 0, len(m.active))
	for _, msg := range m.active {
		if msg.Retryable() && msg.DueAt(now) {
			batch = append(batch, msg)
		}
	}
	sortByCreatedAt(batch)
	return batch
}

func (m *Manager) attempt(ctx context.Context, msg *models.QueuedMessage) (attemptOutcome, models.Delivery, error) {
	m.mu.Lock()
	if indexOf(m.active, msg.ClientID) < 0 {
		m.mu.Unlock()
		return outcomeGone, models.Delivery{}, nil
	}
	msg.State = models.StateSending
	snapshot := msg.Clone()
	m.mu.Unlock()

	sendCtx, span := tracing.StartSpan(ctx, "queue.deliver",
		tracing.AttrClientID.String(snapshot.ClientID),
		tracing.AttrAttempt.Int(snapshot.Attempts+1),
		tracing.AttrMessageType.String(string(snapshot.MessageType)),
	)
	// A single send is never cancelled mid-flight; the deliverer applies its own timeout.
	res := m.deliverer.Deliver(context.WithoutCancel(sendCtx), snapshot)
	if !res.Success && res.Err == nil {
		res.Err = errors.New(errors.ErrCodeDeliveryAPI, "delivery failed")
	}
	if res.Err != nil {
		tracing.RecordError(sendCtx, res.Err)
	}
	span.End()

	now := m.now()
	fields := logrus.Fields{
		LogFieldComponent:      component,
		LogFieldClientID:       privacy.MaskClientID(snapshot.ClientID),
		LogFieldConversationID: privacy.MaskConversationID(snapshot.ConversationID),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := indexOf(m.active, msg.ClientID)
	if res.Success {
		if idx >= 0 {
			m.active = append(m.active[:idx], m.active[idx+1:]...)
		}
		msg.State = models.StateDelivered
		metrics.MessagesDelivered.Inc()
		fields[LogFieldServerID] = privacy.MaskMessageID(res.ServerMessageID)
		m.logger.WithFields(fields).Debug("Delivered queued message")
		return outcomeDelivered, models.Delivery{
			ClientID:        snapshot.ClientID,
			ConversationID:  snapshot.ConversationID,
			ServerMessageID: res.ServerMessageID,
			DeliveredAt:     now,
		}, nil
	}

	if idx < 0 {
		// Discarded while the send was in flight.
		return outcomeGone, models.Delivery{}, res.Err
	}

	msg.Attempts++
	msg.LastAttemptAt = &now
	msg.LastError = res.Err.Error()
	msg.State = models.StateFailed
	fields[LogFieldAttempt] = msg.Attempts
	fields[LogFieldMaxAttempts] = msg.MaxAttempts

	if msg.Exhausted() {
		msg.NextAttemptAt = nil
		m.active = append(m.active[:idx], m.active[idx+1:]...)
		m.failed = append(m.failed, msg)
		metrics.MessagesTerminallyFailed.Inc()
		m.errLog.LogError(res.Err, "Queued message failed permanently", fields)
		return outcomeTerminal, models.Delivery{}, res.Err
	}

	msg.NextAttemptAt = m.backoff.NextAttemptAt(now, msg.Attempts)
	if msg.NextAttemptAt != nil {
		fields[LogFieldNextAttempt] = msg.NextAttemptAt.Format(time.RFC3339)
	}
	m.errLog.LogWarn(res.Err, "Delivery attempt failed, will retry", fields)
	return outcomeRetryable, models.Delivery{}, res.Err
}

func (m *Manager) notifyDelivered(d models.Delivery) {
	m.mu.Lock()
	listeners := append([]DeliveryListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(d)
	}
}

// RequeueFailed moves every terminally failed message back to pending with its
// attempt counter reset. It does not drain.
func (m *Manager) RequeueFailed(ctx context.Context) (int, error) {
	if err := m.load(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	n := len(m.failed)
	for _, msg := range m.failed {
		msg.Attempts = 0
		msg.State = models.StatePending
		msg.NextAttemptAt = nil
		msg.LastError = ""
	}
	m.active = append(m.active, m.failed...)
	sortByCreatedAt(m.active)
	m.failed = nil
	m.publishSizesLocked()
	m.mu.Unlock()

	if n == 0 {
		return 0, nil
	}

	m.logger.WithFields(logrus.Fields{
		LogFieldComponent: component,
		LogFieldCount:     n,
	}).Info("Requeued failed messages")
	return n, m.persist(ctx)
}

// RetryAll requeues every terminally failed message and drains. A failed snapshot
// write does not stop the drain, which writes the snapshot again.
func (m *Manager) RetryAll(ctx context.Context) (models.DrainResult, error) {
	if _, err := m.RequeueFailed(ctx); err != nil {
		m.errLog.LogRetryableError(err, "Failed to persist requeued messages", logrus.Fields{LogFieldComponent: component})
	}
	return m.Drain(ctx)
}

// Discard removes a message regardless of its state.
func (m *Manager) Discard(ctx context.Context, clientID string) error {
	if err := m.load(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	found := false
	if idx := indexOf(m.active, clientID); idx >= 0 {
		m.active = append(m.active[:idx], m.active[idx+1:]...)
		found = true
	} else if idx := indexOf(m.failed, clientID); idx >= 0 {
		m.failed = append(m.failed[:idx], m.failed[idx+1:]...)
		found = true
	}
	m.publishSizesLocked()
	m.mu.Unlock()

	if !found {
		return errors.NewNotFoundError("queued message", clientID)
	}

	metrics.MessagesDiscarded.Inc()
	m.logger.WithFields(logrus.Fields{
		LogFieldComponent: component,
		LogFieldClientID:  privacy.MaskClientID(clientID),
	}).Info("Discarded queued message")
	return m.persist(ctx)
}

// Clear drops every queued and failed message and removes both snapshots.
func (m *Manager) Clear(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	m.active = nil
	m.failed = nil
	m.loaded = true
	m.lastErr = ""
	m.publishSizesLocked()
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		m.recordStoreError("clear", err)
		return err
	}
	if m.deadLetter != nil {
		if err := m.deadLetter.Clear(ctx); err != nil {
			m.recordStoreError("clear", err)
			return err
		}
	}

	m.mu.Lock()
	m.storeDown = false
	m.mu.Unlock()
	return nil
}

// ReconcileRelay applies the result of a server-side drain of relayed messages:
// confirmed messages still held locally are dropped and listeners are notified;
// server-side failures are surfaced on the queue state.
func (m *Manager) ReconcileRelay(processed []models.Delivery, failed []models.RelayFailure) {
	m.mu.Lock()
	for _, d := range processed {
		if idx := indexOf(m.active, d.ClientID); idx >= 0 {
			m.active = append(m.active[:idx], m.active[idx+1:]...)
		}
	}
	if len(failed) > 0 {
		m.lastErr = fmt.Sprintf("Server could not send %d queued message(s): %s", len(failed), failed[len(failed)-1].Error)
	}
	m.publishSizesLocked()
	m.mu.Unlock()

	for _, f := range failed {
		m.logger.WithFields(logrus.Fields{
			LogFieldComponent: component,
			LogFieldClientID:  privacy.MaskClientID(f.ClientID),
		}).Warn("Server failed to send relayed message: " + f.Error)
	}
	for _, d := range processed {
		m.notifyDelivered(d)
	}
}

// PendingCount returns the number of messages still in the retry pool.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PendingMessages returns copies of the messages in the retry pool, oldest first.
func (m *Manager) PendingMessages() []models.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.active)
}

// FailedMessages returns copies of the terminally failed messages.
func (m *Manager) FailedMessages() []models.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.failed)
}

// State returns the inputs of the status projection.
func (m *Manager) State() models.QueueState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastSync *time.Time
	if m.lastSync != nil {
		t := *m.lastSync
		lastSync = &t
	}
	return models.QueueState{
		Syncing:          m.draining,
		PendingCount:     len(m.active),
		FailedCount:      len(m.failed),
		LastSyncTime:     lastSync,
		LastError:        m.lastErr,
		StoreUnavailable: m.storeDown,
	}
}

// DismissError clears the error shown on the status.
func (m *Manager) DismissError() {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if loaded {
		return nil
	}

	stored, err := m.store.Load(ctx)
	if err != nil {
		m.recordStoreError("load", err)
		return err
	}

	var dead []models.QueuedMessage
	if m.deadLetter != nil {
		if dead, err = m.deadLetter.Load(ctx); err != nil {
			m.recordStoreError("load", err)
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	m.mergeLocked(stored, dead)
	m.loaded = true
	m.storeDown = false
	m.publishSizesLocked()
	return nil
}

// mergeLocked adds stored messages not already held in memory.
func (m *Manager) mergeLocked(stored, dead []models.QueuedMessage) {
	seen := make(map[string]bool, len(m.active)+len(m.failed))
	for _, msg := range m.active {
		seen[msg.ClientID] = true
	}
	for _, msg := range m.failed {
		seen[msg.ClientID] = true
	}

	add := func(in models.QueuedMessage, terminal bool) {
		if in.ClientID == "" || seen[in.ClientID] || in.State == models.StateDelivered {
			return
		}
		seen[in.ClientID] = true

		msg := in.Clone()
		if msg.MaxAttempts <= 0 {
			msg.MaxAttempts = m.maxAttempts
		}
		if msg.State == models.StateSending || msg.State == "" {
			// Interrupted mid-send; the idempotency key makes a resend safe.
			msg.State = models.StatePending
		}
		if terminal || msg.TerminallyFailed() {
			msg.State = models.StateFailed
			m.failed = append(m.failed, &msg)
			return
		}
		m.active = append(m.active, &msg)
	}

	for _, msg := range stored {
		add(msg, false)
	}
	for _, msg := range dead {
		add(msg, true)
	}
	sortByCreatedAt(m.active)
	sortByCreatedAt(m.failed)
}

// persist writes the retry pool and the dead-letter list.
func (m *Manager) persist(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return errors.New(errors.ErrCodeStorageUnavailable, "offline queue has not been loaded")
	}
	active := cloneAll(m.active)
	failed := cloneAll(m.failed)
	m.mu.Unlock()

	if err := m.store.Save(ctx, active); err != nil {
		m.recordStoreError("save", err)
		return err
	}
	if m.deadLetter != nil {
		if err := m.deadLetter.Save(ctx, failed); err != nil {
			m.recordStoreError("save", err)
			return err
		}
	}

	m.mu.Lock()
	m.storeDown = false
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordStoreError(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()

	m.mu.Lock()
	m.storeDown = true
	m.lastErr = userMessage(err)
	m.mu.Unlock()
}

func (m *Manager) publishSizesLocked() {
	metrics.SetQueueSizes(len(m.active), len(m.failed))
}

func userMessage(err error) string {
	if appErr, ok := errors.As(err); ok && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return err.Error()
}

func indexOf(list []*models.QueuedMessage, clientID string) int {
	for i, msg := range list {
		if msg.ClientID == clientID {
			return i
		}
	}
	return -1
}

func cloneAll(list []*models.QueuedMessage) []models.QueuedMessage {
	out := make([]models.QueuedMessage, 0, len(list))
	for _, msg := range list {
		out = append(out, msg.Clone())
	}
	return out
}

func sortByCreatedAt(list []*models.QueuedMessage) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
