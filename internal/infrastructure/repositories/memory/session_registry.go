package memory

import (
	"context"
	"sync"
	"time"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/core/ports"
)

type session struct {
	host      domain.ConnID
	viewers   map[domain.ConnID]struct{}
	order     []domain.ConnID // join order, for deterministic snapshots
	startedAt time.Time
}

// MemorySessionRegistry keeps all live sessions in process memory. This is
// the default backend; session lifetime equals process uptime.
type MemorySessionRegistry struct {
	sessions map[domain.StreamID]*session
	mu       sync.RWMutex
}

func NewMemorySessionRegistry() ports.SessionRegistry {
	return &MemorySessionRegistry{
		sessions: make(map[domain.StreamID]*session),
	}
}

func (r *MemorySessionRegistry) Create(ctx context.Context, s *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return domain.ErrStreamExists
	}

	sess := &session{
		host:      s.Host,
		viewers:   make(map[domain.ConnID]struct{}),
		startedAt: s.StartedAt,
	}
	for _, v := range s.Viewers {
		if _, ok := sess.viewers[v]; !ok {
			sess.viewers[v] = struct{}{}
			sess.order = append(sess.order, v)
		}
	}
	r.sessions[s.ID] = sess
	return nil
}

func (r *MemorySessionRegistry) Get(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}
	return snapshot(id, sess), nil
}

func (r *MemorySessionRegistry) Remove(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

func (r *MemorySessionRegistry) ReplaceHost(ctx context.Context, id domain.StreamID, host domain.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[id]
	if !exists {
		return domain.ErrStreamNotFound
	}
	sess.host = host
	return nil
}

func (r *MemorySessionRegistry) AddViewer(ctx context.Context, id domain.StreamID, viewer domain.ConnID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[id]
	if !exists {
		return 0, domain.ErrStreamNotFound
	}
	if _, ok := sess.viewers[viewer]; !ok {
		sess.viewers[viewer] = struct{}{}
		sess.order = append(sess.order, viewer)
	}
	return len(sess.viewers), nil
}

func (r *MemorySessionRegistry) RemoveViewer(ctx context.Context, id domain.StreamID, viewer domain.ConnID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[id]
	if !exists {
		return 0, domain.ErrStreamNotFound
	}
	if _, ok := sess.viewers[viewer]; ok {
		delete(sess.viewers, viewer)
		for i, v := range sess.order {
			if v == viewer {
				sess.order = append(sess.order[:i], sess.order[i+1:]...)
				break
			}
		}
	}
	return len(sess.viewers), nil
}

func (r *MemorySessionRegistry) FindByHost(ctx context.Context, host domain.ConnID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, sess := range r.sessions {
		if sess.host == host {
			return snapshot(id, sess), nil
		}
	}
	return nil, domain.ErrStreamNotFound
}

func (r *MemorySessionRegistry) FindByViewer(ctx context.Context, viewer domain.ConnID) ([]*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.StreamSession
	for id, sess := range r.sessions {
		if _, ok := sess.viewers[viewer]; ok {
			out = append(out, snapshot(id, sess))
		}
	}
	return out, nil
}

func (r *MemorySessionRegistry) ListActive(ctx context.Context) ([]*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.StreamSession, 0, len(r.sessions))
	for id, sess := range r.sessions {
		out = append(out, snapshot(id, sess))
	}
	return out, nil
}

func (r *MemorySessionRegistry) HealthCheck(ctx context.Context) error {
	return nil
}

// snapshot copies session state so callers can iterate viewers while the
// registry keeps mutating. Caller must hold at least a read lock.
func snapshot(id domain.StreamID, sess *session) *domain.StreamSession {
	viewers := make([]domain.ConnID, len(sess.order))
	copy(viewers, sess.order)
	return &domain.StreamSession{
		ID:        id,
		Host:      sess.host,
		Viewers:   viewers,
		StartedAt: sess.startedAt,
	}
}
