// Package fairness implements the provably-fair outcome engine: a
// commit-reveal seed scheme and a deterministic per-round outcome expander.
//
// The commitment SHA-256(serverSeed || clientSeed) is published before any
// round is played. Revealing the server seed after completion lets anyone
// recompute the full outcome table and confirm nothing was altered post-hoc.
// Unpredictability comes entirely from the secrecy of the server seed; the
// expansion itself only needs to be reproducible, not cryptographically
// strong.
//
// All payout amounts use shopspring/decimal — never float64 for money.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cavecrawl/game-engine/internal/model"
)

var (
	// ErrEntropy is returned when the secure random source fails. Session
	// creation must abort; there is no weaker fallback.
	ErrEntropy = errors.New("fairness: secure entropy source failed")

	// ErrInvalidShape is returned for non-positive round or option counts.
	ErrInvalidShape = errors.New("fairness: round and option counts must be positive")
)

// serverSeedBytes is the entropy length of a server seed (256 bits).
const serverSeedBytes = 32

// PayoutScale is the number of decimal places payouts are rounded to.
const PayoutScale int32 = 4

// Reward band: each safe passage pays a uniform draw from this range.
var (
	MinPayout = decimal.NewFromFloat(0.025)
	MaxPayout = decimal.NewFromFloat(0.075)
)

// NewServerSeed draws a fresh secret seed from crypto/rand and returns it
// hex-encoded. A failure of the entropy source is surfaced, never papered
// over with a weaker generator.
func NewServerSeed() (string, error) {
	buf := make([]byte, serverSeedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return hex.EncodeToString(buf), nil
}

// Commitment returns the hex SHA-256 of serverSeed || clientSeed. It is
// published to the player before any outcome is derived.
func Commitment(serverSeed, clientSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed + clientSeed))
	return hex.EncodeToString(sum[:])
}

// Expander derives a session's full outcome table from its commitment.
// It is an interface so tests can substitute a fixed table without
// depending on the real bit-generator.
type Expander interface {
	// Expand must be a pure function of its arguments: the same commitment
	// and shape always yield the identical table.
	Expand(commitment string, rounds, optionsPerRound int) ([]model.RoundOutcome, error)
}

// TableExpander is the production Expander. It seeds a splitmix64 stream
// from SHA-256(commitment) and draws, per round, a uniform trap index and
// an independent uniform payout per passage within the reward band.
type TableExpander struct {
	Min   decimal.Decimal
	Max   decimal.Decimal
	Scale int32
}

// NewTableExpander returns an expander using the default reward band.
func NewTableExpander() *TableExpander {
	return &TableExpander{Min: MinPayout, Max: MaxPayout, Scale: PayoutScale}
}

// Expand derives the full per-round outcome table for a session.
// Trap and payout draws are independent of each other and of prior rounds;
// no draw ever depends on a player choice.
func (e *TableExpander) Expand(commitment string, rounds, optionsPerRound int) ([]model.RoundOutcome, error) {
	if rounds <= 0 || optionsPerRound <= 0 {
		return nil, ErrInvalidShape
	}

	sum := sha256.Sum256([]byte(commitment))
	rng := newSplitMix64(binary.BigEndian.Uint64(sum[:8]))

	span, _ := e.Max.Sub(e.Min).Float64()
	min, _ := e.Min.Float64()

	table := make([]model.RoundOutcome, rounds)
	for r := 0; r < rounds; r++ {
		trap := int(rng.next() % uint64(optionsPerRound))

		payouts := make([]decimal.Decimal, optionsPerRound)
		for i := 0; i < optionsPerRound; i++ {
			payouts[i] = decimal.NewFromFloat(min + rng.unit()*span).Round(e.Scale)
		}

		table[r] = model.RoundOutcome{TrapIndex: trap, Payouts: payouts}
	}
	return table, nil
}

// Verify recomputes the commitment and outcome table from a revealed seed
// pair, letting anyone audit a completed session after the fact.
func Verify(serverSeed, clientSeed string, rounds, optionsPerRound int) (string, []model.RoundOutcome, error) {
	commitment := Commitment(serverSeed, clientSeed)
	table, err := NewTableExpander().Expand(commitment, rounds, optionsPerRound)
	if err != nil {
		return "", nil, err
	}
	return commitment, table, nil
}

// splitMix64 is a small deterministic bit generator (Steele et al.).
// Reproducible across platforms; not used for secrecy.
type splitMix64 struct {
	state uint64
}

func newSplitMix64(seed uint64) *splitMix64 {
	return &splitMix64{state: seed}
}

func (s *splitMix64) next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// unit returns a uniform float64 in [0, 1) with 53 bits of precision.
func (s *splitMix64) unit() float64 {
	return float64(s.next()>>11) / (1 << 53)
}
