package integration_test

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bizmsg/internal/connectivity"
	"bizmsg/internal/constants"
	"bizmsg/internal/database"
	"bizmsg/internal/delivery"
	"bizmsg/internal/models"
	"bizmsg/internal/queue"
	"bizmsg/internal/trigger"
	"bizmsg/pkg/messaging"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// EnvOptions configures a TestEnvironment.
type EnvOptions struct {
	Mode        models.DeliveryMode
	MaxAttempts int
	Online      bool
	// EncryptionSecret enables at-rest encryption of the queue snapshots.
	EncryptionSecret string
}

// TestEnvironment wires the full pipeline against a real SQLite file and a fake
// messaging server. Restart simulates a process restart on the same database.
type TestEnvironment struct {
	t      *testing.T
	opts   EnvOptions
	dbPath string
	logger *logrus.Logger

	API       *FakeAPI
	DB        *database.Database
	Manager   *queue.Manager
	Signal    *connectivity.Signal
	Scheduler *trigger.Scheduler

	mu         sync.Mutex
	deliveries []models.Delivery

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTestEnvironment(t *testing.T, opts EnvOptions) *TestEnvironment {
	t.Helper()
	if opts.Mode == "" {
		opts.Mode = models.DeliveryModeDirect
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	env := &TestEnvironment{
		t:      t,
		opts:   opts,
		dbPath: filepath.Join(t.TempDir(), "bizmsg.db"),
		logger: logger,
		API:    NewFakeAPI(),
	}
	t.Cleanup(env.API.Close)

	env.open(opts.Online)
	t.Cleanup(env.close)
	return env
}

func (env *TestEnvironment) open(online bool) {
	t := env.t

	var encryptor *database.Encryptor
	if env.opts.EncryptionSecret != "" {
		var err error
		encryptor, err = database.NewEncryptorWithSecret(env.opts.EncryptionSecret)
		require.NoError(t, err)
	}

	db, err := database.New(env.dbPath, encryptor)
	require.NoError(t, err)
	env.DB = db

	api := messaging.NewClientWithLogger(env.API.URL(), fakeAPIToken, &http.Client{Timeout: 5 * time.Second}, env.logger)
	deliveryOpts := delivery.Options{
		Timeout: 2 * time.Second,
		Breaker: models.CircuitBreakerConfig{MaxFailures: 100, ResetTimeoutSec: 1},
		Logger:  env.logger,
	}

	var (
		deliverer queue.Deliverer
		flusher   trigger.Flusher
	)
	if env.opts.Mode == models.DeliveryModeRelay {
		relay := delivery.NewRelay(api, deliveryOpts)
		deliverer, flusher = relay, relay
	} else {
		deliverer = delivery.NewClient(api, deliveryOpts)
	}

	manager, err := queue.NewManager(queue.Options{
		Store:       queue.NewSnapshotStore(db, constants.QueueSnapshotKey),
		DeadLetter:  queue.NewSnapshotStore(db, constants.DeadLetterSnapshotKey),
		Deliverer:   deliverer,
		MaxAttempts: env.opts.MaxAttempts,
		Logger:      env.logger,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(context.Background()))
	manager.OnDelivered(func(d models.Delivery) {
		env.mu.Lock()
		env.deliveries = append(env.deliveries, d)
		env.mu.Unlock()
	})
	env.Manager = manager

	env.Signal = connectivity.NewSignal(online, env.logger)
	env.Scheduler = trigger.NewScheduler(trigger.Options{
		Queue:        manager,
		Connectivity: env.Signal,
		Relay:        flusher,
		Interval:     time.Hour,
		Foreground:   true,
		Logger:       env.logger,
	})
}

// Start runs the scheduler in the background until the environment is closed or restarted.
func (env *TestEnvironment) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	env.done = make(chan struct{})
	go func() {
		defer close(env.done)
		env.Scheduler.Start(ctx)
	}()
}

func (env *TestEnvironment) close() {
	if env.cancel != nil {
		env.cancel()
		<-env.done
		env.cancel = nil
	}
	if env.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = env.Manager.Dispose(ctx)
		cancel()
	}
	if env.DB != nil {
		_ = env.DB.Close()
		env.DB = nil
	}
}

// Restart disposes the pipeline and builds a new one on the same database file.
func (env *TestEnvironment) Restart(online bool) {
	env.close()
	env.mu.Lock()
	env.deliveries = nil
	env.mu.Unlock()
	env.open(online)
}

func (env *TestEnvironment) Enqueue(conversationID, content string) string {
	env.t.Helper()
	clientID, err := env.Manager.Enqueue(context.Background(), conversationID, content, models.MessageTypeText, nil)
	require.NoError(env.t, err)
	return clientID
}

func (env *TestEnvironment) Deliveries() []models.Delivery {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]models.Delivery(nil), env.deliveries...)
}
