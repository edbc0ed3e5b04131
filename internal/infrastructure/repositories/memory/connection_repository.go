package memory

import (
	"context"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/shardmap"
)

type connectionEntry struct {
	mu   sync.Mutex
	conn *domain.Connection
}

// MemoryConnectionRepository keeps connection records and the participant
// index in sharded maps. Each record has its own lock so transitions on one
// connection are linearizable without blocking unrelated connections.
type MemoryConnectionRepository struct {
	connections  *shardmap.Map[domain.ConnectionID, *connectionEntry]
	participants *shardmap.Map[domain.UserID, domain.ConnectionID]
}

func NewMemoryConnectionRepository(shards int) ports.ConnectionRepository {
	return &MemoryConnectionRepository{
		connections:  shardmap.New[domain.ConnectionID, *connectionEntry](shards),
		participants: shardmap.New[domain.UserID, domain.ConnectionID](shards),
	}
}

func (r *MemoryConnectionRepository) Create(ctx context.Context, conn *domain.Connection) error {
	if !r.connections.SetIfAbsent(conn.ID, &connectionEntry{conn: conn.Clone()}) {
		return domain.ErrConnectionExists
	}
	return nil
}

func (r *MemoryConnectionRepository) GetByID(ctx context.Context, id domain.ConnectionID) (*domain.Connection, error) {
	e, ok := r.connections.Get(id)
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Clone(), nil
}

func (r *MemoryConnectionRepository) Update(ctx context.Context, id domain.ConnectionID, fn func(conn *domain.Connection) error) (*domain.Connection, error) {
	e, ok := r.connections.Get(id)
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.conn.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.conn = working
	return working.Clone(), nil
}

func (r *MemoryConnectionRepository) List(ctx context.Context) ([]*domain.Connection, error) {
	var entries []*connectionEntry
	r.connections.Range(func(_ domain.ConnectionID, e *connectionEntry) bool {
		entries = append(entries, e)
		return true
	})

	out := make([]*domain.Connection, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.conn.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (r *MemoryConnectionRepository) BindParticipant(ctx context.Context, user domain.UserID, id domain.ConnectionID) error {
	r.participants.Set(user, id)
	return nil
}

func (r *MemoryConnectionRepository) UnbindParticipant(ctx context.Context, user domain.UserID, id domain.ConnectionID) (bool, error) {
	return r.participants.DeleteIf(user, func(current domain.ConnectionID) bool {
		return current == id
	}), nil
}

func (r *MemoryConnectionRepository) ActiveConnection(ctx context.Context, user domain.UserID) (domain.ConnectionID, bool, error) {
	id, ok := r.participants.Get(user)
	return id, ok, nil
}

func (r *MemoryConnectionRepository) ActiveParticipants(ctx context.Context) (int, error) {
	return r.participants.Len(), nil
}
