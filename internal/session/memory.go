package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"terraigo/internal/models"
	"terraigo/internal/observability"
)

const DefaultCleanupInterval = time.Minute

type memorySession struct {
	meta     models.Session
	messages []*models.Message
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	ttl      time.Duration
	now      func() time.Time

	watchMu  sync.Mutex
	watchers []func(string)
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(context.Context) (*models.Session, error) {
	sess := newSession(m.now())
	m.mu.Lock()
	m.sessions[sess.ID] = &memorySession{meta: *sess}
	m.mu.Unlock()
	return sess, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	meta := s.meta
	meta.Pending = nil
	return &meta, nil
}

func (m *MemoryStore) Append(_ context.Context, id string, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	stored := cloneMessage(msg)
	stored.ID = int64(len(s.messages) + 1)
	stored.SessionID = id
	stored.CreatedAt = m.now()
	s.messages = append(s.messages, stored)
	track(&s.meta, stored)
	return cloneMessage(stored), nil
}

func (m *MemoryStore) Messages(_ context.Context, id string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.notify(id)
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.meta.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetPending(_ context.Context, id string, img *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if img == nil {
		s.meta.Pending = nil
		return nil
	}
	c := *img
	c.Data = append([]byte(nil), img.Data...)
	s.meta.Pending = &c
	s.meta.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) TakePending(_ context.Context, id string) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	img := s.meta.Pending
	s.meta.Pending = nil
	return img, nil
}

func (m *MemoryStore) Watch(ctx context.Context, fn func(id string)) {
	if fn == nil {
		return
	}
	m.watchMu.Lock()
	m.watchers = append(m.watchers, fn)
	idx := len(m.watchers) - 1
	m.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchMu.Lock()
		m.watchers[idx] = nil
		m.watchMu.Unlock()
	}()
}

func (m *MemoryStore) notify(id string) {
	m.watchMu.Lock()
	fns := append([]func(string){}, m.watchers...)
	m.watchMu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(id)
		}
	}
}

// StartJanitor purges idle sessions every interval until ctx is done.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go m.cleanupLoop(ctx, interval)
}

func (m *MemoryStore) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.PurgeIdle(); n > 0 {
				observability.Logger().Debug("purged idle sessions", zap.Int("count", n))
			}
		}
	}
}

// PurgeIdle drops sessions untouched for longer than the TTL.
func (m *MemoryStore) PurgeIdle() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)
	var expired []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.meta.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		m.notify(id)
	}
	return len(expired)
}
