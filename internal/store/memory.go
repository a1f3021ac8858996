package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cavecrawl/game-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence), but it honors
// the same compare-and-swap semantics as the PostgreSQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	byAddress   map[string]string // lowercased address → user ID
	sessions    map[string]*model.Session
	daily       map[string]*scoreRow // userID + "|" + day
	overall     map[string]*scoreRow // userID
	nonces      map[string]memNonce  // lowercased address
	revoked     map[string]time.Time // token ID → expiry
}

type scoreRow struct {
	userID     string
	username   string
	rounds     int64
	netCredits decimal.Decimal
}

type memNonce struct {
	nonce   string
	expires time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		byAddress: make(map[string]string),
		sessions:  make(map[string]*model.Session),
		daily:     make(map[string]*scoreRow),
		overall:   make(map[string]*scoreRow),
		nonces:    make(map[string]memNonce),
		revoked:   make(map[string]time.Time),
	}
}

// --- Identities ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(u.Address)
	if _, exists := s.byAddress[key]; exists {
		return ErrDuplicate
	}

	cp := *u
	s.users[u.ID] = &cp
	s.byAddress[key] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByAddress(_ context.Context, address string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrDuplicate
	}

	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) AppendChoice(_ context.Context, sessionID string, expectedResolved int, choice model.RoundChoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != model.StatusInProgress || len(sess.Choices) != expectedResolved {
		return ErrConflict
	}

	sess.Choices = append(sess.Choices, choice)
	return nil
}

func (s *MemoryStore) FinalizeSession(_ context.Context, sessionID string, expectedResolved int, choice model.RoundChoice, settle model.Settlement, delta model.LeaderboardDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != model.StatusInProgress || len(sess.Choices) != expectedResolved {
		return ErrConflict
	}

	sess.Choices = append(sess.Choices, choice)
	sess.Status = model.StatusCompleted
	sess.FinalResult = settle.FinalResult
	sess.NetResult = settle.NetResult
	sess.RoundsNavigated = settle.RoundsNavigated
	completed := settle.CompletedAt
	sess.CompletedAt = &completed

	applyDelta(s.daily, delta.UserID+"|"+delta.Day, delta)
	applyDelta(s.overall, delta.UserID, delta)
	return nil
}

func applyDelta(rows map[string]*scoreRow, key string, delta model.LeaderboardDelta) {
	row, ok := rows[key]
	if !ok {
		rows[key] = &scoreRow{
			userID:     delta.UserID,
			username:   delta.Username,
			rounds:     delta.Rounds,
			netCredits: delta.NetCredits,
		}
		return
	}
	row.rounds += delta.Rounds
	row.netCredits = row.netCredits.Add(delta.NetCredits)
	row.username = delta.Username
}

// --- Leaderboard ---

func (s *MemoryStore) TopLeaderboard(_ context.Context, scope, day string, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.rankedEntries(scope, day)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) LeaderboardRank(_ context.Context, scope, day, userID string) (*model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.rankedEntries(scope, day) {
		if e.UserID == userID {
			entry := e
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

// rankedEntries must be called under the read lock.
func (s *MemoryStore) rankedEntries(scope, day string) []model.LeaderboardEntry {
	var rows []*scoreRow
	if scope == model.ScopeDaily {
		for key, row := range s.daily {
			if strings.HasSuffix(key, "|"+day) {
				rows = append(rows, row)
			}
		}
	} else {
		for _, row := range s.overall {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].netCredits.Equal(rows[j].netCredits) {
			return rows[i].netCredits.GreaterThan(rows[j].netCredits)
		}
		return rows[i].userID < rows[j].userID
	})

	entries := make([]model.LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		entries = append(entries, model.LeaderboardEntry{
			Rank:       i + 1,
			UserID:     row.userID,
			Username:   row.username,
			Rounds:     row.rounds,
			NetCredits: row.netCredits,
		})
	}
	return entries
}

// --- Auth primitives ---

func (s *MemoryStore) PutNonce(_ context.Context, address, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces[strings.ToLower(address)] = memNonce{nonce: nonce, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) TakeNonce(_ context.Context, address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(address)
	n, ok := s.nonces[key]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.nonces, key) // single use, consumed on every attempt
	if time.Now().After(n.expires) {
		return "", ErrNotFound
	}
	return n.nonce, nil
}

func (s *MemoryStore) RevokeToken(_ context.Context, tokenID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[tokenID] = until
	return nil
}

func (s *MemoryStore) IsTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	until, ok := s.revoked[tokenID]
	return ok && time.Now().Before(until), nil
}

// --- helpers ---

func copySession(sess *model.Session) *model.Session {
	cp := *sess
	cp.Outcomes = append([]model.RoundOutcome(nil), sess.Outcomes...)
	cp.Choices = append([]model.RoundChoice(nil), sess.Choices...)
	if sess.CompletedAt != nil {
		at := *sess.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

