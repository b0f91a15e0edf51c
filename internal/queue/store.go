package queue

import (
	"context"
	"encoding/json"

	"bizmsg/internal/errors"
	"bizmsg/internal/models"
)

// KeyValueStore is the persisted storage primitive: string values under string keys.
// *database.Database and *database.RedisStore implement it.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Snapshotter persists a complete list of queued messages.
type Snapshotter interface {
	Save(ctx context.Context, messages []models.QueuedMessage) error
	Load(ctx context.Context) ([]models.QueuedMessage, error)
	Clear(ctx context.Context) error
}

// SnapshotStore keeps the whole message list as one JSON document under a single key,
// so every Save replaces the previous snapshot in one write.
type SnapshotStore struct {
	kv  KeyValueStore
	key string
}

func NewSnapshotStore(kv KeyValueStore, key string) *SnapshotStore {
	return &SnapshotStore{kv: kv, key: key}
}

func (s *SnapshotStore) Save(ctx context.Context, messages []models.QueuedMessage) error {
	if messages == nil {
		messages = []models.QueuedMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode queue snapshot").
			WithContext("key", s.key)
	}
	if err := s.kv.Set(ctx, s.key, string(data)); err != nil {
		return errors.NewStorageError("save", err).WithContext("key", s.key)
	}
	return nil
}

// Load returns the stored snapshot. A missing key is an empty queue, not an error.
func (s *SnapshotStore) Load(ctx context.Context) ([]models.QueuedMessage, error) {
	raw, found, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, errors.NewStorageError("load", err).WithContext("key", s.key)
	}
	if !found || raw == "" {
		return nil, nil
	}

	var messages []models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageCorrupt, "queue snapshot is not valid JSON").
			WithContext("key", s.key).
			WithUserMessage("Stored offline messages could not be read")
	}
	return messages, nil
}

func (s *SnapshotStore) Clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, s.key); err != nil {
		return errors.NewStorageError("clear", err).WithContext("key", s.key)
	}
	return nil
}
