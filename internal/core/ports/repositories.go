package ports

import (
	"context"

	"camrelay/internal/core/domain"
)

// ConnectionRepository is the session registry: connection records plus the
// participant to active connection index.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *domain.Connection) error
	GetByID(ctx context.Context, id domain.ConnectionID) (*domain.Connection, error)
	// Update applies fn to the stored record while holding that record's
	// lock and returns a copy of the result. If fn fails nothing is changed.
	Update(ctx context.Context, id domain.ConnectionID, fn func(conn *domain.Connection) error) (*domain.Connection, error)
	List(ctx context.Context) ([]*domain.Connection, error)

	BindParticipant(ctx context.Context, user domain.UserID, id domain.ConnectionID) error
	// UnbindParticipant removes the index entry only when it still points at id.
	UnbindParticipant(ctx context.Context, user domain.UserID, id domain.ConnectionID) (bool, error)
	ActiveConnection(ctx context.Context, user domain.UserID) (domain.ConnectionID, bool, error)
	ActiveParticipants(ctx context.Context) (int, error)
}
