package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cavecrawl/game-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The outcome table and choice log live as JSONB on the session row; the
// rounds_resolved counter is the compare-and-swap guard for round
// resolution.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         UUID PRIMARY KEY,
	address    TEXT NOT NULL UNIQUE,
	username   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                UUID PRIMARY KEY,
	user_id           UUID NOT NULL REFERENCES users(id),
	commitment        TEXT NOT NULL,
	server_seed       TEXT NOT NULL,
	client_seed       TEXT NOT NULL,
	outcomes          JSONB NOT NULL,
	wager             NUMERIC NOT NULL,
	max_rounds        INT NOT NULL,
	options_per_round INT NOT NULL,
	status            TEXT NOT NULL,
	choices           JSONB NOT NULL DEFAULT '[]'::jsonb,
	rounds_resolved   INT NOT NULL DEFAULT 0,
	final_result      TEXT,
	net_result        NUMERIC NOT NULL DEFAULT 0,
	rounds_navigated  INT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS leaderboard_daily (
	user_id     UUID NOT NULL,
	day         DATE NOT NULL,
	username    TEXT NOT NULL,
	rounds      BIGINT NOT NULL,
	net_credits NUMERIC NOT NULL,
	PRIMARY KEY (user_id, day)
);

CREATE TABLE IF NOT EXISTS leaderboard_overall (
	user_id     UUID PRIMARY KEY,
	username    TEXT NOT NULL,
	rounds      BIGINT NOT NULL,
	net_credits NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_nonces (
	address    TEXT PRIMARY KEY,
	nonce      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	token_id   TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Identities ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, address, username, created_at)
		 VALUES ($1, $2, $3, $4)`,
		u.ID, strings.ToLower(u.Address), u.Username, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, address, username, created_at FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByAddress(ctx context.Context, address string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, address, username, created_at FROM users WHERE address = $1`,
		strings.ToLower(address)))
}

func (s *PostgresStore) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Address, &u.Username, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	outcomes, err := json.Marshal(sess.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	choices, err := json.Marshal(sess.Choices)
	if err != nil {
		return fmt.Errorf("marshal choices: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions
		   (id, user_id, commitment, server_seed, client_seed, outcomes,
		    wager, max_rounds, options_per_round, status, choices,
		    rounds_resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.UserID, sess.Commitment, sess.ServerSeed, sess.ClientSeed,
		outcomes, sess.Wager.String(), sess.MaxRounds, sess.OptionsPerRound,
		sess.Status, choices, len(sess.Choices), sess.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var (
		sess               model.Session
		outcomes, choices  []byte
		wager, netResult   string
		finalResult        *string
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, commitment, server_seed, client_seed, outcomes,
		        wager::TEXT, max_rounds, options_per_round, status, choices,
		        final_result, net_result::TEXT, rounds_navigated,
		        created_at, completed_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Commitment, &sess.ServerSeed,
			&sess.ClientSeed, &outcomes,
			&wager, &sess.MaxRounds, &sess.OptionsPerRound, &sess.Status, &choices,
			&finalResult, &netResult, &sess.RoundsNavigated,
			&sess.CreatedAt, &sess.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	if err := json.Unmarshal(outcomes, &sess.Outcomes); err != nil {
		return nil, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	if err := json.Unmarshal(choices, &sess.Choices); err != nil {
		return nil, fmt.Errorf("unmarshal choices: %w", err)
	}
	if finalResult != nil {
		sess.FinalResult = *finalResult
	}
	sess.Wager, _ = decimal.NewFromString(wager)
	sess.NetResult, _ = decimal.NewFromString(netResult)

	return &sess, nil
}

func (s *PostgresStore) AppendChoice(ctx context.Context, sessionID string, expectedResolved int, choice model.RoundChoice) error {
	data, err := json.Marshal(choice)
	if err != nil {
		return fmt.Errorf("marshal choice: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET choices = choices || $3::jsonb,
		     rounds_resolved = rounds_resolved + 1
		 WHERE id = $1 AND rounds_resolved = $2 AND status = $4`,
		sessionID, expectedResolved, data, model.StatusInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, sessionID)
	}
	return nil
}

func (s *PostgresStore) FinalizeSession(ctx context.Context, sessionID string, expectedResolved int, choice model.RoundChoice, settle model.Settlement, delta model.LeaderboardDelta) error {
	data, err := json.Marshal(choice)
	if err != nil {
		return fmt.Errorf("marshal choice: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions
		 SET choices = choices || $3::jsonb,
		     rounds_resolved = rounds_resolved + 1,
		     status = $4,
		     final_result = $5,
		     net_result = $6::NUMERIC,
		     rounds_navigated = $7,
		     completed_at = $8
		 WHERE id = $1 AND rounds_resolved = $2 AND status = $9`,
		sessionID, expectedResolved, data,
		model.StatusCompleted, settle.FinalResult, settle.NetResult.String(),
		settle.RoundsNavigated, settle.CompletedAt, model.StatusInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, sessionID)
	}

	// Additive upserts: a concurrent settlement from another session of the
	// same user folds in without overwriting.
	_, err = tx.Exec(ctx,
		`INSERT INTO leaderboard_daily (user_id, day, username, rounds, net_credits)
		 VALUES ($1, $2::DATE, $3, $4, $5::NUMERIC)
		 ON CONFLICT (user_id, day) DO UPDATE
		 SET rounds      = leaderboard_daily.rounds + EXCLUDED.rounds,
		     net_credits = leaderboard_daily.net_credits + EXCLUDED.net_credits,
		     username    = EXCLUDED.username`,
		delta.UserID, delta.Day, delta.Username, delta.Rounds, delta.NetCredits.String(),
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO leaderboard_overall (user_id, username, rounds, net_credits)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id) DO UPDATE
		 SET rounds      = leaderboard_overall.rounds + EXCLUDED.rounds,
		     net_credits = leaderboard_overall.net_credits + EXCLUDED.net_credits,
		     username    = EXCLUDED.username`,
		delta.UserID, delta.Username, delta.Rounds, delta.NetCredits.String(),
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) conflictOrNotFound(ctx context.Context, sessionID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).
		Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// --- Leaderboard ---

func (s *PostgresStore) TopLeaderboard(ctx context.Context, scope, day string, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, topQuery(scope), leaderboardArgs(scope, day, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	rank := 1
	for rows.Next() {
		var e model.LeaderboardEntry
		var credits string
		if err := rows.Scan(&e.UserID, &e.Username, &e.Rounds, &credits); err != nil {
			return nil, err
		}
		e.NetCredits, _ = decimal.NewFromString(credits)
		e.Rank = rank
		rank++
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) LeaderboardRank(ctx context.Context, scope, day, userID string) (*model.LeaderboardEntry, error) {
	var (
		e       model.LeaderboardEntry
		credits string
	)

	var err error
	if scope == model.ScopeDaily {
		err = s.pool.QueryRow(ctx,
			`SELECT user_id, username, rounds, net_credits::TEXT,
			        (SELECT COUNT(*) + 1 FROM leaderboard_daily b
			         WHERE b.day = $2::DATE AND b.net_credits > a.net_credits)
			 FROM leaderboard_daily a
			 WHERE a.user_id = $1 AND a.day = $2::DATE`,
			userID, day).
			Scan(&e.UserID, &e.Username, &e.Rounds, &credits, &e.Rank)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT user_id, username, rounds, net_credits::TEXT,
			        (SELECT COUNT(*) + 1 FROM leaderboard_overall b
			         WHERE b.net_credits > a.net_credits)
			 FROM leaderboard_overall a
			 WHERE a.user_id = $1`,
			userID).
			Scan(&e.UserID, &e.Username, &e.Rounds, &credits, &e.Rank)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.NetCredits, _ = decimal.NewFromString(credits)
	return &e, nil
}

func topQuery(scope string) string {
	if scope == model.ScopeDaily {
		return `SELECT user_id, username, rounds, net_credits::TEXT
		        FROM leaderboard_daily WHERE day = $1::DATE
		        ORDER BY net_credits DESC, user_id LIMIT $2`
	}
	return `SELECT user_id, username, rounds, net_credits::TEXT
	        FROM leaderboard_overall
	        ORDER BY net_credits DESC, user_id LIMIT $1`
}

func leaderboardArgs(scope, day string, limit int) []any {
	if scope == model.ScopeDaily {
		return []any{day, limit}
	}
	return []any{limit}
}

// --- Auth primitives ---

func (s *PostgresStore) PutNonce(ctx context.Context, address, nonce string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_nonces (address, nonce, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (address) DO UPDATE
		 SET nonce = EXCLUDED.nonce, expires_at = EXCLUDED.expires_at`,
		strings.ToLower(address), nonce, time.Now().UTC().Add(ttl),
	)
	return err
}

func (s *PostgresStore) TakeNonce(ctx context.Context, address string) (string, error) {
	var nonce string
	var expires time.Time

	err := s.pool.QueryRow(ctx,
		`DELETE FROM auth_nonces WHERE address = $1 RETURNING nonce, expires_at`,
		strings.ToLower(address)).
		Scan(&nonce, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if time.Now().After(expires) {
		return "", ErrNotFound
	}
	return nonce, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, tokenID string, until time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO revoked_tokens (token_id, expires_at)
		 VALUES ($1, $2)
		 ON CONFLICT (token_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		tokenID, until,
	)
	return err
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM revoked_tokens WHERE token_id = $1 AND expires_at > now()
		 )`, tokenID).
		Scan(&revoked)
	return revoked, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
