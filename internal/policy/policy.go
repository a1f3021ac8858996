// Package policy enforces the stake and round-count bounds for new game
// sessions. Violations are rejected with distinct errors, never silently
// clamped.
package policy

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrWagerOutOfBounds is returned when the stake is below the minimum
	// or above the maximum allowed per session.
	ErrWagerOutOfBounds = errors.New("policy: wager outside allowed bounds")

	// ErrRoundsOutOfBounds is returned when the requested round count is
	// outside the allowed range.
	ErrRoundsOutOfBounds = errors.New("policy: round count outside allowed bounds")

	// ErrClientSeedRequired is returned when no client seed is supplied.
	ErrClientSeedRequired = errors.New("policy: client seed is required")
)

// Policy holds the configured session bounds.
type Policy struct {
	// MinWager and MaxWager bound the stake per session, in ETH.
	MinWager decimal.Decimal
	MaxWager decimal.Decimal

	// MinRounds and MaxRounds bound the session length.
	MinRounds int
	MaxRounds int

	// OptionsPerRound is the fixed number of passages presented each round.
	OptionsPerRound int

	// MaxClientSeedLen caps player-supplied seed length.
	MaxClientSeedLen int
}

// Default returns the production policy bounds.
func Default() *Policy {
	return &Policy{
		MinWager:         decimal.NewFromFloat(0.001),
		MaxWager:         decimal.NewFromInt(1),
		MinRounds:        1,
		MaxRounds:        10,
		OptionsPerRound:  3,
		MaxClientSeedLen: 128,
	}
}

// ValidateSession checks a session request against the policy. Each
// violation maps to its own sentinel error so callers can report the exact
// failure.
func (p *Policy) ValidateSession(wager decimal.Decimal, maxRounds int, clientSeed string) error {
	if wager.LessThan(p.MinWager) || wager.GreaterThan(p.MaxWager) {
		return ErrWagerOutOfBounds
	}
	if maxRounds < p.MinRounds || maxRounds > p.MaxRounds {
		return ErrRoundsOutOfBounds
	}
	if clientSeed == "" || len(clientSeed) > p.MaxClientSeedLen {
		return ErrClientSeedRequired
	}
	return nil
}
