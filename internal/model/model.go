// Package model defines the core domain types shared across the game engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session status values.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Final results for a completed session.
const (
	ResultWin  = "win"
	ResultLoss = "loss"
)

// Leaderboard scopes.
const (
	ScopeDaily   = "daily"
	ScopeOverall = "overall"
)

// RoundOutcome is one row of a session's pre-generated outcome table:
// which passage is trapped and what each passage pays if it is not.
// Generated entirely before the first choice; never mutated afterward.
type RoundOutcome struct {
	TrapIndex int               `json:"trap_index"`
	Payouts   []decimal.Decimal `json:"payouts"`
}

// RoundChoice is one entry of a session's append-only choice log.
type RoundChoice struct {
	Round         int             `json:"round"`
	ChosenIndex   int             `json:"chosen_index"`
	WasSuccessful bool            `json:"was_successful"`
	Payout        decimal.Decimal `json:"payout"`
	ResolvedAt    time.Time       `json:"resolved_at"`
}

// Session is one wagering attempt. The server seed and outcome table stay
// hidden from the public read contract until the session completes.
type Session struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Commitment      string          `json:"commitment" db:"commitment"`
	ServerSeed      string          `json:"-" db:"server_seed"`
	ClientSeed      string          `json:"client_seed" db:"client_seed"`
	Outcomes        []RoundOutcome  `json:"-" db:"outcomes"`
	Wager           decimal.Decimal `json:"wager" db:"wager"`
	MaxRounds       int             `json:"max_rounds" db:"max_rounds"`
	OptionsPerRound int             `json:"options_per_round" db:"options_per_round"`
	Status          string          `json:"status" db:"status"`
	Choices         []RoundChoice   `json:"choices" db:"choices"`
	FinalResult     string          `json:"final_result,omitempty" db:"final_result"`
	NetResult       decimal.Decimal `json:"net_result" db:"net_result"`
	RoundsNavigated int             `json:"rounds_navigated" db:"rounds_navigated"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// RoundsResolved returns the number of rounds already present in the
// choice log; the next playable round is RoundsResolved()+1.
func (s *Session) RoundsResolved() int { return len(s.Choices) }

// TotalScore sums the payouts across the choice log.
func (s *Session) TotalScore() decimal.Decimal {
	total := decimal.Zero
	for _, c := range s.Choices {
		total = total.Add(c.Payout)
	}
	return total
}

// Settlement carries the terminal values written exactly once when a
// session completes.
type Settlement struct {
	FinalResult     string
	NetResult       decimal.Decimal
	RoundsNavigated int
	CompletedAt     time.Time
}

// User is a durable identity keyed by a verified wallet address. Created
// lazily on first successful authentication; the address binding is
// immutable afterward.
type User struct {
	ID        string    `json:"id" db:"id"`
	Address   string    `json:"address" db:"address"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LeaderboardEntry is one row of the daily or overall leaderboard as
// returned to callers, ordered by net credits descending.
type LeaderboardEntry struct {
	Rank       int             `json:"rank"`
	UserID     string          `json:"user_id"`
	Username   string          `json:"username"`
	Rounds     int64           `json:"rounds"`
	NetCredits decimal.Decimal `json:"net_credits"`
}

// LeaderboardDelta is one completed session's additive contribution to a
// user's daily and overall aggregates. Applied only by settlement, only
// via upserts that add — never overwrite.
type LeaderboardDelta struct {
	UserID     string
	Username   string
	Day        string // YYYY-MM-DD, UTC
	Rounds     int64
	NetCredits decimal.Decimal
}
