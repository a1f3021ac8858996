package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cavecrawl/game-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with Redis. Session and
// user reads go read-through; writes go to the primary and invalidate the
// cache. Nonce and token-revocation primitives are served natively from
// Redis (GETDEL gives single-use semantics for free), falling back to the
// primary only for durability of the revocation list.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Identities (read-through) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheJSON(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.readJSON(ctx, userKey(id), &u) {
		return &u, nil
	}

	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, userKey(id), user)
	return user, nil
}

func (s *CachedStore) GetUserByAddress(ctx context.Context, address string) (*model.User, error) {
	return s.primary.GetUserByAddress(ctx, address)
}

// --- Sessions ---

// cachedSession carries the fields Session hides from its public JSON
// (server seed and outcome table); losing them in the cache would break
// round resolution.
type cachedSession struct {
	Session    model.Session        `json:"session"`
	ServerSeed string               `json:"server_seed"`
	Outcomes   []model.RoundOutcome `json:"outcomes"`
}

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var cs cachedSession
	if s.readJSON(ctx, sessionKey(id), &cs) {
		sess := cs.Session
		sess.ServerSeed = cs.ServerSeed
		sess.Outcomes = cs.Outcomes
		return &sess, nil
	}

	session, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, session)
	return session, nil
}

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.Session) {
	s.cacheJSON(ctx, sessionKey(sess.ID), cachedSession{
		Session:    *sess,
		ServerSeed: sess.ServerSeed,
		Outcomes:   sess.Outcomes,
	})
}

func (s *CachedStore) AppendChoice(ctx context.Context, sessionID string, expectedResolved int, choice model.RoundChoice) error {
	if err := s.primary.AppendChoice(ctx, sessionID, expectedResolved, choice); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, sessionKey(sessionID))
	return nil
}

func (s *CachedStore) FinalizeSession(ctx context.Context, sessionID string, expectedResolved int, choice model.RoundChoice, settle model.Settlement, delta model.LeaderboardDelta) error {
	if err := s.primary.FinalizeSession(ctx, sessionID, expectedResolved, choice, settle, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(sessionID), boardKey(model.ScopeDaily, delta.Day), boardKey(model.ScopeOverall, ""))
	return nil
}

// --- Leaderboard (short-lived cache on the top lists) ---

func (s *CachedStore) TopLeaderboard(ctx context.Context, scope, day string, limit int) ([]model.LeaderboardEntry, error) {
	key := boardKey(scope, day)

	var entries []model.LeaderboardEntry
	if s.readJSON(ctx, key, &entries) && len(entries) >= limit {
		return entries[:limit], nil
	}

	entries, err := s.primary.TopLeaderboard(ctx, scope, day, limit)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, key, entries)
	return entries, nil
}

func (s *CachedStore) LeaderboardRank(ctx context.Context, scope, day, userID string) (*model.LeaderboardEntry, error) {
	return s.primary.LeaderboardRank(ctx, scope, day, userID)
}

// --- Auth primitives (Redis-native) ---

func (s *CachedStore) PutNonce(ctx context.Context, address, nonce string, ttl time.Duration) error {
	return s.rdb.Set(ctx, nonceKey(address), nonce, ttl).Err()
}

func (s *CachedStore) TakeNonce(ctx context.Context, address string) (string, error) {
	nonce, err := s.rdb.GetDel(ctx, nonceKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return nonce, err
}

func (s *CachedStore) RevokeToken(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil // already expired, nothing to revoke
	}
	if err := s.rdb.Set(ctx, revokedKey(tokenID), "1", ttl).Err(); err != nil {
		return err
	}
	return s.primary.RevokeToken(ctx, tokenID, until)
}

func (s *CachedStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokedKey(tokenID)).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	// Redis miss or error: the primary keeps the durable revocation list.
	return s.primary.IsTokenRevoked(ctx, tokenID)
}

// --- Cache helpers ---

func (s *CachedStore) readJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func sessionKey(id string) string  { return fmt.Sprintf("session:%s", id) }
func userKey(id string) string     { return fmt.Sprintf("user:%s", id) }
func nonceKey(addr string) string  { return fmt.Sprintf("nonce:%s", strings.ToLower(addr)) }
func revokedKey(id string) string  { return fmt.Sprintf("revoked:%s", id) }
func boardKey(scope, day string) string {
	if scope == model.ScopeDaily {
		return fmt.Sprintf("board:daily:%s", day)
	}
	return "board:overall"
}
