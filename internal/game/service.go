// Package game implements the session state machine and settlement: one
// wagering attempt advances round by round against a pre-committed outcome
// table, and finalizes its net result and leaderboard contribution exactly
// once.
//
// All monetary values use shopspring/decimal — never float64 for money.
package game

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cavecrawl/game-engine/internal/api"
	"github.com/cavecrawl/game-engine/internal/auth"
	"github.com/cavecrawl/game-engine/internal/fairness"
	"github.com/cavecrawl/game-engine/internal/metrics"
	"github.com/cavecrawl/game-engine/internal/model"
	"github.com/cavecrawl/game-engine/internal/policy"
	"github.com/cavecrawl/game-engine/internal/store"
)

// LeaderboardSize is the bounded window returned by the leaderboard
// endpoint; callers outside it still get their own rank.
const LeaderboardSize = 10

// Service owns the game session lifecycle. All session state lives in the
// store; concurrent round resolutions are linearized by the store's
// compare-and-swap on the choice log length, not by in-process locks.
type Service struct {
	store    store.Store
	expander fairness.Expander
	policy   *policy.Policy
	hub      *Hub // optional WebSocket hub for completion broadcasts
}

// NewService creates a game service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, expander fairness.Expander, pol *policy.Policy, hub *Hub) *Service {
	if pol == nil {
		pol = policy.Default()
	}
	return &Service{store: st, expander: expander, policy: pol, hub: hub}
}

// --- Request/Response types ---

// StartGameRequest is the JSON body for POST /games.
type StartGameRequest struct {
	Wager      decimal.Decimal `json:"wager"`
	MaxRounds  int             `json:"max_rounds"`
	ClientSeed string          `json:"client_seed"`
}

// StartGameResponse publishes the commitment before any round is played.
type StartGameResponse struct {
	SessionID  string `json:"session_id"`
	Commitment string `json:"commitment"`
	MaxRounds  int    `json:"max_rounds"`
}

// PlayRoundRequest is the JSON body for POST /games/{sessionID}/rounds.
type PlayRoundRequest struct {
	Round       int `json:"round"`
	ChosenIndex int `json:"chosen_index"`
}

// RoundResult is returned from every successful round resolution.
type RoundResult struct {
	WasSuccessful bool             `json:"was_successful"`
	Payout        decimal.Decimal  `json:"payout"`
	TotalScore    decimal.Decimal  `json:"total_score"`
	NextRound     int              `json:"next_round"` // 0 once completed
	GameCompleted bool             `json:"game_completed"`
	FinalResult   string           `json:"final_result,omitempty"`
	NetResult     *decimal.Decimal `json:"net_result,omitempty"`
}

// SessionResponse is the owner's view of a session. The server seed and
// outcome table are revealed only once the session has completed, so the
// player can verify the commitment after the fact.
type SessionResponse struct {
	*model.Session
	ServerSeed string               `json:"server_seed,omitempty"`
	Outcomes   []model.RoundOutcome `json:"outcomes,omitempty"`
	TotalScore decimal.Decimal      `json:"total_score"`
}

// LeaderboardResponse returns the bounded top window plus the caller's own
// entry when they rank outside it.
type LeaderboardResponse struct {
	Scope   string                   `json:"scope"`
	Entries []model.LeaderboardEntry `json:"entries"`
	Caller  *model.LeaderboardEntry  `json:"caller,omitempty"`
}

// --- HTTP Handlers ---

// StartGame handles POST /api/v1/games
func (s *Service) StartGame(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.FromContext(r.Context())
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing identity")
		return
	}

	var req StartGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid request body")
		return
	}

	if err := s.policy.ValidateSession(req.Wager, req.MaxRounds, req.ClientSeed); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, err.Error())
		return
	}

	serverSeed, err := fairness.NewServerSeed()
	if err != nil {
		// Entropy failure is fatal for session creation; never fall back.
		slog.Error("server seed generation failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}
	commitment := fairness.Commitment(serverSeed, req.ClientSeed)

	outcomes, err := s.expander.Expand(commitment, req.MaxRounds, s.policy.OptionsPerRound)
	if err != nil {
		slog.Error("outcome expansion failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	sess := &model.Session{
		ID:              uuid.New().String(),
		UserID:          ident.UserID,
		Commitment:      commitment,
		ServerSeed:      serverSeed,
		ClientSeed:      req.ClientSeed,
		Outcomes:        outcomes,
		Wager:           req.Wager,
		MaxRounds:       req.MaxRounds,
		OptionsPerRound: s.policy.OptionsPerRound,
		Status:          model.StatusInProgress,
		NetResult:       decimal.Zero,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		slog.Error("create session failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	metrics.SessionsStarted.Inc()
	slog.Info("session started",
		"session", sess.ID,
		"user", ident.UserID,
		"wager", req.Wager.String(),
		"max_rounds", req.MaxRounds,
		"commitment", commitment,
	)

	api.WriteJSON(w, http.StatusCreated, StartGameResponse{
		SessionID:  sess.ID,
		Commitment: commitment,
		MaxRounds:  req.MaxRounds,
	})
}

// PlayRound handles POST /api/v1/games/{sessionID}/rounds
//
// Preconditions are checked in order, each with its own failure code:
// session exists, caller owns it, it is in progress, and the round number
// is exactly the next unresolved one.
func (s *Service) PlayRound(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.FromContext(r.Context())
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing identity")
		return
	}

	var req PlayRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("get session failed", "session", sessionID, "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	if sess.UserID != ident.UserID {
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "session belongs to another player")
		return
	}
	if sess.Status != model.StatusInProgress {
		api.WriteError(w, http.StatusConflict, api.CodeInvalidState, "game not in progress")
		return
	}
	if req.Round != sess.RoundsResolved()+1 || req.Round > sess.MaxRounds {
		api.WriteError(w, http.StatusConflict, api.CodeInvalidRound, "round out of order or already resolved")
		return
	}
	if req.ChosenIndex < 0 || req.ChosenIndex >= sess.OptionsPerRound {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "chosen index out of range")
		return
	}

	outcome := sess.Outcomes[req.Round-1]
	wasSuccessful := req.ChosenIndex != outcome.TrapIndex
	payout := decimal.Zero
	if wasSuccessful {
		payout = outcome.Payouts[req.ChosenIndex]
	}

	choice := model.RoundChoice{
		Round:         req.Round,
		ChosenIndex:   req.ChosenIndex,
		WasSuccessful: wasSuccessful,
		Payout:        payout,
		ResolvedAt:    time.Now().UTC(),
	}

	totalScore := sess.TotalScore().Add(payout)
	completed := !wasSuccessful || req.Round == sess.MaxRounds

	if !completed {
		err = s.store.AppendChoice(r.Context(), sess.ID, req.Round-1, choice)
	} else {
		err = s.finalize(r, sess, choice, totalScore)
	}
	if err != nil {
		s.writeResolveError(w, sess.ID, err)
		return
	}

	outcomeLabel := "safe"
	if !wasSuccessful {
		outcomeLabel = "trap"
	}
	metrics.RoundsResolved.WithLabelValues(outcomeLabel).Inc()

	result := RoundResult{
		WasSuccessful: wasSuccessful,
		Payout:        payout,
		TotalScore:    totalScore,
		GameCompleted: completed,
	}
	if completed {
		net := totalScore.Sub(sess.Wager)
		result.FinalResult = finalResult(wasSuccessful)
		result.NetResult = &net
	} else {
		result.NextRound = req.Round + 1
	}

	slog.Info("round resolved",
		"session", sess.ID,
		"round", req.Round,
		"chosen", req.ChosenIndex,
		"successful", wasSuccessful,
		"payout", payout.String(),
		"completed", completed,
	)

	api.WriteJSON(w, http.StatusOK, result)
}

// finalize runs the terminal transition: the final append, the session's
// settlement values, and the additive leaderboard upsert as one unit.
func (s *Service) finalize(r *http.Request, sess *model.Session, choice model.RoundChoice, totalScore decimal.Decimal) error {
	roundsNavigated := choice.Round - 1
	if choice.WasSuccessful {
		roundsNavigated = sess.MaxRounds
	}
	netResult := totalScore.Sub(sess.Wager)
	now := time.Now().UTC()

	// Missing profile data never blocks settlement; fall back to a
	// generated display name.
	username := ""
	if user, err := s.store.GetUser(r.Context(), sess.UserID); err == nil {
		username = user.Username
	}
	if username == "" {
		ident, _ := auth.FromContext(r.Context())
		addr := ""
		if ident != nil {
			addr = ident.Address
		}
		username = auth.PlaceholderUsername(addr)
	}

	result := finalResult(choice.WasSuccessful)
	err := s.store.FinalizeSession(r.Context(), sess.ID, choice.Round-1, choice,
		model.Settlement{
			FinalResult:     result,
			NetResult:       netResult,
			RoundsNavigated: roundsNavigated,
			CompletedAt:     now,
		},
		model.LeaderboardDelta{
			UserID:     sess.UserID,
			Username:   username,
			Day:        now.Format("2006-01-02"),
			Rounds:     int64(roundsNavigated),
			NetCredits: netResult,
		},
	)
	if err != nil {
		return err
	}

	metrics.SessionsCompleted.WithLabelValues(result).Inc()
	slog.Info("session settled",
		"session", sess.ID,
		"user", sess.UserID,
		"result", result,
		"net_result", netResult.String(),
		"rounds_navigated", roundsNavigated,
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:      "session_completed",
			SessionID: sess.ID,
			Username:  username,
			Result:    result,
			NetResult: netResult.String(),
			Rounds:    roundsNavigated,
		})
	}
	return nil
}

func (s *Service) writeResolveError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, store.ErrConflict):
		// The concurrent double-submit case: the store's conditional
		// update lost. The choice log was not mutated.
		metrics.RoundConflicts.Inc()
		api.WriteError(w, http.StatusConflict, api.CodeInvalidRound, "round out of order or already resolved")
	case errors.Is(err, store.ErrNotFound):
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "session not found")
	default:
		slog.Error("round resolution failed", "session", sessionID, "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
	}
}

// GetSession handles GET /api/v1/games/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.FromContext(r.Context())
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing identity")
		return
	}

	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("get session failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}
	if sess.UserID != ident.UserID {
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "session belongs to another player")
		return
	}

	resp := SessionResponse{Session: sess, TotalScore: sess.TotalScore()}
	if sess.Status == model.StatusCompleted {
		// Reveal the seed and table so the player can audit the commitment.
		resp.ServerSeed = sess.ServerSeed
		resp.Outcomes = sess.Outcomes
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

// GetLeaderboard handles GET /api/v1/leaderboard?scope=daily|overall
// Authentication is optional; authenticated callers outside the top window
// get their own rank appended.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = model.ScopeOverall
	}
	if scope != model.ScopeDaily && scope != model.ScopeOverall {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "scope must be daily or overall")
		return
	}

	day := time.Now().UTC().Format("2006-01-02")
	entries, err := s.store.TopLeaderboard(r.Context(), scope, day, LeaderboardSize)
	if err != nil {
		slog.Error("leaderboard query failed", "scope", scope, "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}

	resp := LeaderboardResponse{Scope: scope, Entries: entries}

	if ident, ok := auth.FromContext(r.Context()); ok {
		inWindow := false
		for _, e := range entries {
			if e.UserID == ident.UserID {
				inWindow = true
				break
			}
		}
		if !inWindow {
			if caller, err := s.store.LeaderboardRank(r.Context(), scope, day, ident.UserID); err == nil {
				resp.Caller = caller
			}
		}
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

func finalResult(won bool) string {
	if won {
		return model.ResultWin
	}
	return model.ResultLoss
}
