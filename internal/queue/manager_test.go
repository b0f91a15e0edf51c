package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bizmsg/internal/constants"
	apperrors "bizmsg/internal/errors"
	"bizmsg/internal/models"
	"bizmsg/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Deliver(ctx context.Context, msg models.QueuedMessage) models.DeliveryResult {
	args := m.Called(ctx, msg)
	return args.Get(0).(models.DeliveryResult)
}

// fakeServer deduplicates on client id like the messaging API does.
type fakeServer struct {
	mu       sync.Mutex
	records  map[string]string
	calls    []string
	failNext map[string]int
	// loseResponse stores the message but reports a failure, as if the response was lost.
	loseResponse map[string]int
	block        chan struct{}
	started      chan string
	alwaysFail   bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records:      make(map[string]string),
		failNext:     make(map[string]int),
		loseResponse: make(map[string]int),
	}
}

func (s *fakeServer) Deliver(_ context.Context, msg models.QueuedMessage) models.DeliveryResult {
	if s.started != nil {
		s.started <- msg.ClientID
	}
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msg.ClientID)

	if s.alwaysFail {
		return models.DeliveryResult{Err: errors.New("network unreachable")}
	}
	if s.failNext[msg.ClientID] > 0 {
		s.failNext[msg.ClientID]--
		return models.DeliveryResult{Err: errors.New("503 service unavailable")}
	}
	if _, ok := s.records[msg.ClientID]; !ok {
		s.records[msg.ClientID] = msg.Content
	}
	if s.loseResponse[msg.ClientID] > 0 {
		s.loseResponse[msg.ClientID]--
		return models.DeliveryResult{Err: errors.New("context deadline exceeded")}
	}
	return models.DeliveryResult{Success: true, ServerMessageID: "srv-" + msg.ClientID}
}

func (s *fakeServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

type harness struct {
	kv      *MemoryStore
	store   *SnapshotStore
	dead    *SnapshotStore
	server  *fakeServer
	clock   *testClock
	manager *Manager
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		kv:     NewMemoryStore(),
		server: newFakeServer(),
		clock:  &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.store = NewSnapshotStore(h.kv, constants.QueueSnapshotKey)
	h.dead = NewSnapshotStore(h.kv, constants.DeadLetterSnapshotKey)
	h.manager = h.newManager(t, opts...)
	return h
}

func (h *harness) newManager(t *testing.T, opts ...func(*Options)) *Manager {
	t.Helper()
	o := Options{
		Store:       h.store,
		DeadLetter:  h.dead,
		Deliverer:   h.server,
		MaxAttempts: 3,
		Logger:      quietLogger(),
		Now:         h.clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := NewManager(o)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func (h *harness) enqueue(t *testing.T, conversationID, content string) string {
	t.Helper()
	id, err := h.manager.Enqueue(context.Background(), conversationID, content, models.MessageTypeText, nil)
	require.NoError(t, err)
	return id
}

func (h *harness) stored(t *testing.T) []models.QueuedMessage {
	t.Helper()
	msgs, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return msgs
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := NewManager(Options{Deliverer: newFakeServer()})
	assert.Error(t, err)

	_, err = NewManager(Options{Store: NewSnapshotStore(NewMemoryStore(), "k")})
	assert.Error(t, err)
}

func TestEnqueue_PersistsPendingMessage(t *testing.T) {
	h := newHarness(t)

	id := h.enqueue(t, "c1", "hello")

	assert.True(t, len(id) > len(constants.ClientIDPrefix))
	assert.Equal(t, 1, h.manager.PendingCount())

	stored := h.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ClientID)
	assert.Equal(t, "c1", stored[0].ConversationID)
	assert.Equal(t, "hello", stored[0].Content)
	assert.Equal(t, models.MessageTypeText, stored[0].MessageType)
	assert.Equal(t, 0, stored[0].Attempts)
	assert.Equal(t, 3, stored[0].MaxAttempts)
	assert.Equal(t, models.StatePending, stored[0].State)
	assert.Empty(t, h.server.Calls(), "enqueue must not touch the network")
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, "", "hello", models.MessageTypeText, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))

	_, err = h.manager.Enqueue(ctx, "c1", "", models.MessageTypeImage, nil)
	assert.Error(t, err)

	assert.Equal(t, 0, h.manager.PendingCount())
}

func TestEnqueue_MediaMessage(t *testing.T) {
	h := newHarness(t)
	url := "https://cdn.example.com/a.png"

	id, err := h.manager.Enqueue(context.Background(), "c1", "", models.MessageTypeImage, &url)
	require.NoError(t, err)

	url = "https://changed.example.com"
	pending := h.manager.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ClientID)
	require.NotNil(t, pending[0].MediaURL)
	assert.Equal(t, "https://cdn.example.com/a.png", *pending[0].MediaURL)
}

func TestEnqueue_UniqueClientIDs(t *testing.T) {
	h := newHarness(t)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := h.enqueue(t, "c1", fmt.Sprintf("m%d", i))
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestEnqueue_StoreFailureKeepsMessageInMemory(t *testing.T) {
	h := newHarness(t)
	h.kv.SetFailure(errors.New("disk full"))

	id := h.enqueue(t, "c1", "hello")
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, h.manager.PendingCount())

	state := h.manager.State()
	assert.True(t, state.StoreUnavailable)
	assert.NotEmpty(t, state.LastError)

	h.kv.SetFailure(nil)
	result, err := h.manager.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.Processed)
	assert.False(t, h.manager.State().StoreUnavailable)
}

func TestDrain_DeliversAndRemoves(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "c1", "hello")

	var confirmed []models.Delivery
	h.manager.OnDelivered(func(d models.Delivery) { confirmed = append(confirmed, d) })

	result, err := h.manager.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, h.manager.PendingCount())
	assert.Equal(t, []string{id}, result.Processed)
	assert.Empty(t, result.Failed)
	assert.Empty(t, h.stored(t))

	require.Len(t, confirmed, 1)
	assert.Equal(t, id, confirmed[0].ClientID)
	assert.Equal(t, "srv-"+id, confirmed[0].ServerMessageID)

	state := h.manager.State()
	assert.NotNil(t, state.LastSyncTime)
	assert.Empty(t, state.LastError)
}

func TestDrain_TerminalFailureAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	id := h.enqueue(t, "c1", "hello")
	ctx := context.Background()

	for cycle := 1; cycle <= 2; cycle++ {
		result, err := h.manager.Drain(ctx)
		require.NoError(t, err)
		assert.Empty(t, result.Failed)
		assert.Equal(t, 1, h.manager.PendingCount())

		stored := h.stored(t)
		require.Len(t, stored, 1)
		assert.Equal(t, cycle, stored[0].Attempts)
		assert.Equal(t, models.StateFailed, stored[0].State)
	}

	result, err := h.manager.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.Failed)

	failed := h.manager.FailedMessages()
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "network unreachable", failed[0].LastError)
	assert.Equal(t, 0, h.manager.PendingCount())
	assert.Empty(t, h.stored(t), "terminal failures leave the queue snapshot")

	result, err = h.manager.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Processed)
	assert.Empty(t, result.Failed)
	assert.Len(t, h.server.Calls(), 3, "a fourth drain must not attempt the message")

	state := h.manager.State()
	assert.Equal(t, 1, state.FailedCount)
}

func TestRetryAll_ResetsAttemptsAndDrains(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	id := h.enqueue(t, "c1", "hello")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.manager.Drain(ctx)
		require.NoError(t, err)
	}
	require.Len(t, h.manager.FailedMessages(), 1)

	h.server.mu.Lock()
	h.server.alwaysFail = false
	h.server.mu.Unlock()

	result, err := h.manager.RetryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.Processed)
	assert.Empty(t, h.manager.FailedMessages())
	assert.Len(t, h.server.Calls(), 4)
}

func TestRequeueFailed_ResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	id := h.enqueue(t, "c1", "hello")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = h.manager.Drain(ctx)
	}

	n, err := h.manager.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := h.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ClientID)
	assert.Equal(t, 0, stored[0].Attempts)
	assert.Equal(t, models.StatePending, stored[0].State)

	n, err = h.manager.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_FIFOOrder(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue(t, "c1", "A")
	b := h.enqueue(t, "c1", "B")
	c := h.enqueue(t, "c2", "C")

	result, err := h.manager.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{a, b, c}, h.server.Calls())
	assert.Equal(t, []string{a, b, c}, result.Processed)
}

func TestDrain_FIFOAfterRestart(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue(t, "c1", "A")
	b := h.enqueue(t, "c1", "B")

	fresh := h.newManager(t)
	_, err := fresh.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, h.server.Calls())
}

func TestDrain_SingleFlight(t *testing.T) {
	h := newHarness(t)
	h.server.block = make(chan struct{})
	h.server.started = make(chan string, 10)
	id := h.enqueue(t, "c1", "hello")
	ctx := context.Background()

	type outcome struct {
		result models.DrainResult
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		r, err := h.manager.Drain(ctx)
		first <- outcome{r, err}
	}()

	<-h.server.started
	assert.True(t, h.manager.State().Syncing)

	second, err := h.manager.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Empty(t, second.Processed)

	close(h.server.block)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, []string{id}, got.result.Processed)
	assert.Equal(t, []string{id}, h.server.Calls(), "each message is attempted exactly once")
	assert.False(t, h.manager.State().Syncing)
}

func TestDrain_ConcurrentCallersAttemptEachMessageOnce(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		h.enqueue(t, "c1", fmt.Sprintf("m%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.manager.Drain(context.Background())
		}()
	}
	wg.Wait()
	_, err := h.manager.Drain(context.Background())
	require.NoError(t, err)

	calls := h.server.Calls()
	assert.Len(t, calls, 20)
	seen := make(map[string]bool)
	for _, id := range calls {
		assert.False(t, seen[id], "duplicate attempt for %s", id)
		seen[id] = true
	}
}

func TestDrain_FailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue(t, "c1", "A")
	b := h.enqueue(t, "c1", "B")
	h.server.failNext[a] = 1

	result, err := h.manager.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{b}, result.Processed)
	assert.Equal(t, 1, h.manager.PendingCount())
	assert.Contains(t, h.manager.State().LastError, "503")
}

func TestDrain_AtLeastOnceWithServerDedup(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "c1", "hello")
	h.server.loseResponse[id] = 1
	h.server.failNext[id] = 1
	ctx := context.Background()

	// attempt 1: 503, attempt 2: stored but response lost, attempt 3: dedup + success
	for i := 0; i < 3; i++ {
		_, err := h.manager.Drain(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, h.manager.PendingCount())
	assert.Empty(t, h.manager.FailedMessages())
	assert.Len(t, h.server.records, 1)
	assert.Equal(t, []string{id, id, id}, h.server.Calls())
}

func TestDrain_StoreFailureAbortsAndKeepsMemory(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	h.enqueue(t, "c1", "hello")
	h.kv.SetFailure(errors.New("I/O error"))

	result, err := h.manager.Drain(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStorageUnavailable))
	assert.Empty(t, result.Failed)

	pending := h.manager.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts, "in-memory state is the only copy")
	assert.True(t, h.manager.State().StoreUnavailable)
	assert.False(t, h.manager.State().Syncing, "single-flight flag released on error")

	h.kv.SetFailure(nil)
	_, err = h.manager.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, h.stored(t), 1)
	assert.Equal(t, 2, h.stored(t)[0].Attempts)
}

func TestDrain_LoadFailureAborts(t *testing.T) {
	kv := NewMemoryStore()
	kv.SetFailure(errors.New("locked"))
	server := newFakeServer()
	m, err := NewManager(Options{
		Store:     NewSnapshotStore(kv, constants.QueueSnapshotKey),
		Deliverer: server,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	assert.Error(t, m.Initialize(context.Background()))

	_, err = m.Drain(context.Background())
	assert.Error(t, err)
	assert.True(t, m.State().StoreUnavailable)

	// a later successful load merges with what was queued meanwhile
	id, err := m.Enqueue(context.Background(), "c1", "hello", models.MessageTypeText, nil)
	require.NoError(t, err)
	kv.SetFailure(nil)
	result, err := m.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.Processed)
}

func TestDrain_PanickingDelivererReleasesFlag(t *testing.T) {
	d := &mockDeliverer{}
	d.On("Deliver", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	m, err := NewManager(Options{
		Store:     NewSnapshotStore(NewMemoryStore(), constants.QueueSnapshotKey),
		Deliverer: d,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), "c1", "hello", models.MessageTypeText, nil)
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = m.Drain(context.Background()) })
	assert.False(t, m.State().Syncing)
}

func TestDrain_NormalizesEmptyFailure(t *testing.T) {
	d := &mockDeliverer{}
	d.On("Deliver", mock.Anything, mock.MatchedBy(func(msg models.QueuedMessage) bool {
		return msg.State == models.StateSending && msg.Attempts == 0
	})).Return(models.DeliveryResult{Success: false}).Once()

	m, err := NewManager(Options{
		Store:     NewSnapshotStore(NewMemoryStore(), constants.QueueSnapshotKey),
		Deliverer: d,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), "c1", "hello", models.MessageTypeText, nil)
	require.NoError(t, err)

	_, err = m.Drain(context.Background())
	require.NoError(t, err)

	pending := m.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.NotEmpty(t, pending[0].LastError)
	d.AssertExpectations(t)
}

func TestDrain_BackoffDefersRetry(t *testing.T) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Minute,
		MaxDelay:     time.Hour,
		Multiplier:   2,
	})
	h := newHarness(t, func(o *Options) { o.Backoff = backoff })
	id := h.enqueue(t, "c1", "hello")
	h.server.failNext[id] = 1
	ctx := context.Background()

	_, err := h.manager.Drain(ctx)
	require.NoError(t, err)
	pending := h.manager.PendingMessages()
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].NextAttemptAt)

	result, err := h.manager.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Processed)
	assert.Len(t, h.server.Calls(), 1, "not due yet")

	h.clock.Advance(2 * time.Minute)
	result, err = h.manager.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.Processed)
}

func TestDrain_CancelledContextStopsBetweenMessages(t *testing.T) {
	h := newHarness(t)
	h.server.started = make(chan string, 10)
	h.server.block = make(chan struct{})
	a := h.enqueue(t, "c1", "A")
	h.enqueue(t, "c1", "B")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var result models.DrainResult
	go func() {
		var err error
		result, err = h.manager.Drain(ctx)
		done <- err
	}()

	<-h.server.started
	cancel()
	close(h.server.block)

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{a}, result.Processed, "the in-flight send completes")
	assert.Equal(t, 1, h.manager.PendingCount())
	assert.Len(t, h.stored(t), 1)
}

func TestDiscard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enqueue(t, "c1", "A")
	b := h.enqueue(t, "c1", "B")

	require.NoError(t, h.manager.Discard(ctx, a))
	assert.Equal(t, 1, h.manager.PendingCount())
	stored := h.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, b, stored[0].ClientID)

	err := h.manager.Discard(ctx, a)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestDiscard_TerminallyFailed(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	id := h.enqueue(t, "c1", "A")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = h.manager.Drain(ctx)
	}
	require.Len(t, h.manager.FailedMessages(), 1)

	require.NoError(t, h.manager.Discard(ctx, id))
	assert.Empty(t, h.manager.FailedMessages())

	dead, err := h.dead.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestDiscard_DuringInFlightSend(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	h.server.started = make(chan string, 1)
	h.server.block = make(chan struct{})
	id := h.enqueue(t, "c1", "A")

	done := make(chan struct{})
	go func() {
		_, _ = h.manager.Drain(context.Background())
		close(done)
	}()
	<-h.server.started
	require.NoError(t, h.manager.Discard(context.Background(), id))
	close(h.server.block)
	<-done

	assert.Equal(t, 0, h.manager.PendingCount())
	assert.Empty(t, h.manager.FailedMessages())
	assert.Empty(t, h.stored(t))
}

func TestPersistenceRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, "c1", "A")
	id := h.enqueue(t, "c1", "B")
	h.server.failNext[id] = 1
	h.enqueue(t, "c2", "C")
	h.server.alwaysFail = true
	_, err := h.manager.Drain(ctx)
	require.NoError(t, err)

	before := h.stored(t)
	fresh := h.newManager(t)
	after := fresh.PendingMessages()

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ClientID, after[i].ClientID)
		assert.Equal(t, before[i].Content, after[i].Content)
		assert.Equal(t, before[i].Attempts, after[i].Attempts)
	}

	// save(load()) is idempotent
	raw1, _, err := h.kv.Get(ctx, constants.QueueSnapshotKey)
	require.NoError(t, err)
	loaded, err := h.store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.Save(ctx, loaded))
	raw2, _, err := h.kv.Get(ctx, constants.QueueSnapshotKey)
	require.NoError(t, err)
	assert.JSONEq(t, raw1, raw2)
}

func TestInitialize_RestoresDeadLetterAndInterruptedSends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, h.store.Save(ctx, []models.QueuedMessage{
		{ClientID: "local_b", ConversationID: "c1", Content: "B", MessageType: models.MessageTypeText, CreatedAt: created.Add(time.Second), MaxAttempts: 3, State: models.StateSending},
		{ClientID: "local_a", ConversationID: "c1", Content: "A", MessageType: models.MessageTypeText, CreatedAt: created, MaxAttempts: 3, State: models.StatePending},
		{ClientID: "local_a", ConversationID: "c1", Content: "dup", MessageType: models.MessageTypeText, CreatedAt: created, State: models.StatePending},
	}))
	require.NoError(t, h.dead.Save(ctx, []models.QueuedMessage{
		{ClientID: "local_x", ConversationID: "c1", Content: "X", MessageType: models.MessageTypeText, CreatedAt: created, Attempts: 3, MaxAttempts: 3, State: models.StateFailed},
	}))

	m := h.newManager(t)
	pending := m.PendingMessages()
	require.Len(t, pending, 2)
	assert.Equal(t, "local_a", pending[0].ClientID)
	assert.Equal(t, "A", pending[0].Content)
	assert.Equal(t, "local_b", pending[1].ClientID)
	assert.Equal(t, models.StatePending, pending[1].State)

	failed := m.FailedMessages()
	require.Len(t, failed, 1)
	assert.Equal(t, "local_x", failed[0].ClientID)
}

func TestInitialize_CorruptSnapshot(t *testing.T) {
	kv := NewMemoryStore()
	require.NoError(t, kv.Set(context.Background(), constants.QueueSnapshotKey, "{not json"))

	m, err := NewManager(Options{
		Store:     NewSnapshotStore(kv, constants.QueueSnapshotKey),
		Deliverer: newFakeServer(),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	err = m.Initialize(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStorageCorrupt))
	assert.True(t, m.State().StoreUnavailable)
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	h.server.alwaysFail = true
	ctx := context.Background()
	h.enqueue(t, "c1", "A")
	for i := 0; i < 3; i++ {
		_, _ = h.manager.Drain(ctx)
	}
	h.enqueue(t, "c1", "B")

	require.NoError(t, h.manager.Clear(ctx))
	assert.Equal(t, 0, h.manager.PendingCount())
	assert.Empty(t, h.manager.FailedMessages())

	_, found, err := h.kv.Get(ctx, constants.QueueSnapshotKey)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = h.kv.Get(ctx, constants.DeadLetterSnapshotKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcileRelay(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue(t, "c1", "A")

	var confirmed []string
	h.manager.OnDelivered(func(d models.Delivery) { confirmed = append(confirmed, d.ClientID) })

	h.manager.ReconcileRelay(
		[]models.Delivery{{ClientID: a, ServerMessageID: "m1"}, {ClientID: "local_remote", ServerMessageID: "m2"}},
		[]models.RelayFailure{{ClientID: "local_z", Error: "conversation deleted"}},
	)

	assert.Equal(t, 0, h.manager.PendingCount())
	assert.Equal(t, []string{a, "local_remote"}, confirmed)
	assert.Contains(t, h.manager.State().LastError, "conversation deleted")

	h.manager.DismissError()
	assert.Empty(t, h.manager.State().LastError)
}

func TestDispose(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "c1", "A")

	require.NoError(t, h.manager.Dispose(context.Background()))

	_, err := h.manager.Enqueue(context.Background(), "c1", "B", models.MessageTypeText, nil)
	assert.Error(t, err)
	_, err = h.manager.Drain(context.Background())
	assert.Error(t, err)
	assert.Len(t, h.stored(t), 1)
}

func TestSnapshotJSONShape(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "c1", "hello")

	raw, _, err := h.kv.Get(context.Background(), constants.QueueSnapshotKey)
	require.NoError(t, err)

	var generic []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	require.Len(t, generic, 1)
	for _, key := range []string{"clientId", "conversationId", "content", "messageType", "createdAt", "attempts", "maxAttempts", "state"} {
		assert.Contains(t, generic[0], key)
	}
}
