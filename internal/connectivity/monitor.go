package connectivity

import (
	"sync"

	"bizmsg/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Monitor is a boolean connectivity signal with change notifications.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for every online/offline transition and returns a func
	// that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Signal is a Monitor whose value is set by its owner: an operator override, a
// probe, or a test.
type Signal struct {
	logger *logrus.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewSignal(initial bool, logger *logrus.Logger) *Signal {
	if logger == nil {
		logger = logrus.New()
	}
	metrics.SetOnline(initial)
	return &Signal{
		logger: logger,
		online: initial,
		subs:   make(map[int]func(bool)),
	}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Signal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Set updates the signal and notifies subscribers when the value changed. It reports
// whether a transition happened. Subscribers run on the caller's goroutine.
func (s *Signal) Set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	metrics.SetOnline(online)
	s.logger.WithField("online", online).Info("Connectivity changed")

	for _, fn := range subs {
		fn(online)
	}
	return true
}
