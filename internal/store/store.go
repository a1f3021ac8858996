// Package store defines the persistence interface for the game engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache plus nonce/revocation primitives), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cavecrawl/game-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional update loses: the session
	// was concurrently modified or already completed. Exactly one of two
	// racing round resolutions observes this.
	ErrConflict = errors.New("store: conditional update conflict")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store is the persistence interface. Session state is the only shared
// mutable resource; mutations to it are conditioned on the number of
// rounds already resolved (compare-and-swap) so concurrent resolvers are
// linearized by the storage layer, not by in-process locks.
type Store interface {
	// --- Identities ---

	// CreateUser persists a new identity. The address binding is unique
	// and immutable.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves an identity by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByAddress retrieves an identity by verified wallet address.
	GetUserByAddress(ctx context.Context, address string) (*model.User, error)

	// --- Sessions ---

	// CreateSession persists a new session with its full outcome table.
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// AppendChoice appends one non-terminal round result to the choice
	// log, conditioned on the log currently holding exactly
	// expectedResolved entries and the session being in progress.
	// Returns ErrConflict when the condition fails.
	AppendChoice(ctx context.Context, sessionID string, expectedResolved int, choice model.RoundChoice) error

	// FinalizeSession appends the terminal round result, flips the session
	// to completed with its settlement values, and applies the additive
	// leaderboard upserts — all as a single all-or-nothing unit under the
	// same expectedResolved condition. The status guard makes settlement
	// at-most-once: a retry against a completed session gets ErrConflict.
	FinalizeSession(ctx context.Context, sessionID string, expectedResolved int, choice model.RoundChoice, settle model.Settlement, delta model.LeaderboardDelta) error

	// --- Leaderboard ---

	// TopLeaderboard returns up to limit entries for the scope, ordered by
	// net credits descending. day (YYYY-MM-DD, UTC) applies to the daily
	// scope only.
	TopLeaderboard(ctx context.Context, scope, day string, limit int) ([]model.LeaderboardEntry, error)

	// LeaderboardRank returns a single user's entry and rank within the
	// scope, or ErrNotFound if they have no settled sessions there.
	LeaderboardRank(ctx context.Context, scope, day, userID string) (*model.LeaderboardEntry, error)

	// --- Auth primitives ---

	// PutNonce stores a single-use nonce bound to an address, replacing
	// any unconsumed one.
	PutNonce(ctx context.Context, address, nonce string, ttl time.Duration) error

	// TakeNonce atomically consumes and returns the nonce bound to an
	// address. Every call invalidates the nonce, successful verification
	// or not. Returns ErrNotFound when no live nonce exists.
	TakeNonce(ctx context.Context, address string) (string, error)

	// RevokeToken marks an identity token ID as logged out until its
	// natural expiry.
	RevokeToken(ctx context.Context, tokenID string, until time.Time) error

	// IsTokenRevoked reports whether a token ID has been revoked.
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}
