// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/gigbridge/engine/internal/domain"
)

// Store defines the durable record of sessions and their transcripts.
//
// Lookups return (nil, nil) when the record does not exist. A session may
// legitimately disappear mid-flight when a timer expiry races a late client
// event, so absence is a normal, checked outcome.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by token.
	GetSession(ctx context.Context, token string) (*domain.Session, error)

	// UpdateSessionStatus sets the lifecycle status for a session.
	UpdateSessionStatus(ctx context.Context, token string, status domain.Status) error

	// ClaimTerminal moves a session to a terminal status in one atomic
	// step. It returns true only for the caller whose write performed
	// the transition; an already-terminal or absent session yields false.
	ClaimTerminal(ctx context.Context, token string, status domain.Status) (bool, error)

	// MarkSessionStarted records the wall-clock start of a session. The
	// first recorded start wins; reconnections do not move it.
	MarkSessionStarted(ctx context.Context, token string, startedAt time.Time) error

	// UpdateSessionProgress persists the turn index and total turn count.
	UpdateSessionProgress(ctx context.Context, token string, turnIndex, totalTurns int) error

	// TouchSession refreshes the last-activity timestamp.
	TouchSession(ctx context.Context, token string, at time.Time) error

	// Append adds a message to the session transcript and returns its id.
	// Message timestamps are assigned monotonically per session.
	Append(ctx context.Context, msg *domain.Message) (int64, error)

	// FindLatestByRole returns the most recent message for a session and
	// role, optionally narrowed to one question index. Used for addition
	// merges.
	FindLatestByRole(ctx context.Context, token string, role domain.Role, questionIndex *int) (*domain.Message, error)

	// UpdateContent replaces a message's content. This is the only
	// permitted transcript mutation, reserved for addition merges.
	UpdateContent(ctx context.Context, id int64, content string) error

	// ListMessages returns the full ordered transcript for a session.
	ListMessages(ctx context.Context, token string) ([]*domain.Message, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
