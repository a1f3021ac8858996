package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cavecrawl/game-engine/internal/api"
	"github.com/cavecrawl/game-engine/internal/metrics"
	"github.com/cavecrawl/game-engine/internal/model"
	"github.com/cavecrawl/game-engine/internal/store"
)

var (
	// ErrInvalidNonce is returned when the nonce embedded in the message
	// does not match the one on record, or no live nonce exists. Every
	// verification attempt consumes the nonce, successful or not.
	ErrInvalidNonce = errors.New("auth: invalid or consumed nonce")

	// ErrWrongNetwork is returned when the message was signed for a
	// different chain.
	ErrWrongNetwork = errors.New("auth: message signed for wrong network")

	// ErrExpiredMessage is returned when the signed message is too old.
	ErrExpiredMessage = errors.New("auth: signed message expired")
)

// Config holds the gate's tunables.
type Config struct {
	Secret        []byte
	TokenTTL      time.Duration
	NonceTTL      time.Duration
	MessageMaxAge time.Duration
	ChainID       int64
}

// Service is the authentication gate. It issues single-use nonces, verifies
// wallet signatures (key-pair or contract wallet), provisions identities
// lazily, and mints JWT identity tokens.
type Service struct {
	store   store.Store
	wallets ContractVerifier // nil when no chain client is configured
	cfg     Config
}

// NewService creates the authentication gate. Pass nil for wallets if
// ERC-1271 delegation is not available; deferred-validation signatures then
// fail closed.
func NewService(st store.Store, wallets ContractVerifier, cfg Config) *Service {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.NonceTTL == 0 {
		cfg.NonceTTL = 5 * time.Minute
	}
	if cfg.MessageMaxAge == 0 {
		cfg.MessageMaxAge = 10 * time.Minute
	}
	return &Service{store: st, wallets: wallets, cfg: cfg}
}

// Identity is the verified caller placed on the request context.
type Identity struct {
	UserID    string
	Address   string
	TokenID   string
	ExpiresAt time.Time
}

// claims is the JWT payload for identity tokens.
type claims struct {
	jwt.RegisteredClaims
	Address string `json:"addr"`
}

// --- Request/Response types ---

// NonceRequest is the JSON body for POST /auth/nonce.
type NonceRequest struct {
	Address string `json:"address"`
}

// NonceResponse returns the nonce to embed in the signed message.
type NonceResponse struct {
	Nonce string `json:"nonce"`
}

// VerifyRequest is the JSON body for POST /auth/verify. SignatureKind tags
// the envelope explicitly; untagged 65-byte signatures are treated as raw.
type VerifyRequest struct {
	Address       string `json:"address"`
	Message       string `json:"message"`
	Signature     string `json:"signature"` // hex, 0x-prefixed or bare
	SignatureKind string `json:"signature_kind,omitempty"`
}

// VerifyResponse returns the identity token and the resolved user.
type VerifyResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// --- HTTP Handlers ---

// IssueNonce handles POST /api/v1/auth/nonce
func (s *Service) IssueNonce(w http.ResponseWriter, r *http.Request) {
	var req NonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid wallet address")
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("nonce entropy failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}
	nonce := hex.EncodeToString(buf)

	if err := s.store.PutNonce(r.Context(), req.Address, nonce, s.cfg.NonceTTL); err != nil {
		slog.Error("store nonce failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	api.WriteJSON(w, http.StatusOK, NonceResponse{Nonce: nonce})
}

// Verify handles POST /api/v1/auth/verify
func (s *Service) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid wallet address")
		return
	}

	user, err := s.verify(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, req.Address, err)
		return
	}

	token, err := s.mintToken(user)
	if err != nil {
		slog.Error("mint token failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	slog.Info("wallet authenticated", "user", user.ID, "address", user.Address)
	api.WriteJSON(w, http.StatusOK, VerifyResponse{Token: token, User: user})
}

// Logout handles POST /api/v1/auth/logout (behind Middleware). It revokes
// the presented token until its natural expiry.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	ident, ok := FromContext(r.Context())
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing identity")
		return
	}

	if err := s.store.RevokeToken(r.Context(), ident.TokenID, ident.ExpiresAt); err != nil {
		slog.Error("revoke token failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Verification core ---

func (s *Service) verify(ctx context.Context, req VerifyRequest) (*model.User, error) {
	// The nonce is consumed up front: a failed attempt burns it too.
	nonce, err := s.store.TakeNonce(ctx, req.Address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidNonce
	}
	if err != nil {
		return nil, err
	}

	msg, err := parseMessage(req.Message)
	if err != nil {
		return nil, err
	}
	if msg.Nonce != nonce {
		return nil, ErrInvalidNonce
	}
	if s.cfg.ChainID != 0 && msg.ChainID != s.cfg.ChainID {
		return nil, ErrWrongNetwork
	}
	if !msg.IssuedAt.IsZero() && time.Since(msg.IssuedAt) > s.cfg.MessageMaxAge {
		return nil, ErrExpiredMessage
	}

	sig, err := decodeHex(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}

	kind, err := ClassifyEnvelope(req.SignatureKind, sig)
	if err != nil {
		return nil, err
	}

	claimed := common.HexToAddress(req.Address)

	switch kind {
	case EnvelopeABIWrapped:
		if sig, err = unwrapABI(sig); err != nil {
			return nil, err
		}
		fallthrough
	case EnvelopeRaw:
		recovered, err := recoverAddress(req.Message, sig)
		if err != nil {
			return nil, err
		}
		if recovered != claimed {
			return nil, fmt.Errorf("%w: recovered address mismatch", ErrBadSignature)
		}
	case EnvelopeDeferred:
		if s.wallets == nil {
			return nil, ErrNoContractVerifier
		}
		var hash [32]byte
		copy(hash[:], accounts.TextHash([]byte(req.Message)))
		ok, err := s.wallets.ValidSignature(ctx, claimed, hash, sig)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: contract wallet rejected signature", ErrBadSignature)
		}
	}

	return s.provision(ctx, claimed)
}

// provision maps a verified address to its identity, creating one on first
// login. The address-to-id binding is stable for the address's lifetime.
func (s *Service) provision(ctx context.Context, addr common.Address) (*model.User, error) {
	address := strings.ToLower(addr.Hex())

	user, err := s.store.GetUserByAddress(ctx, address)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user = &model.User{
		ID:        uuid.New().String(),
		Address:   address,
		Username:  PlaceholderUsername(address),
		CreatedAt: time.Now().UTC(),
	}
	err = s.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a first-login race; the winner's identity is authoritative.
		return s.store.GetUserByAddress(ctx, address)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("identity provisioned", "user", user.ID, "address", address)
	return user, nil
}

// PlaceholderUsername derives a display name from a wallet address, used
// when no profile exists.
func PlaceholderUsername(address string) string {
	tail := address
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return "explorer-" + tail
}

func (s *Service) writeAuthError(w http.ResponseWriter, address string, err error) {
	switch {
	case errors.Is(err, ErrInvalidNonce):
		metrics.AuthFailures.WithLabelValues("nonce").Inc()
		api.WriteError(w, http.StatusUnauthorized, api.CodeInvalidNonce, "invalid or consumed nonce")
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrWrongNetwork),
		errors.Is(err, ErrExpiredMessage), errors.Is(err, ErrNoContractVerifier):
		metrics.AuthFailures.WithLabelValues("signature").Inc()
		api.WriteError(w, http.StatusUnauthorized, api.CodeSignatureFailed, "signature verification failed")
	default:
		metrics.AuthFailures.WithLabelValues("internal").Inc()
		slog.Error("auth verification error", "address", address, "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
	}
}

// --- Tokens ---

func (s *Service) mintToken(user *model.User) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
		Address: user.Address,
	})
	return token.SignedString(s.cfg.Secret)
}

func (s *Service) parseToken(raw string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if c.Subject == "" || c.ID == "" || c.ExpiresAt == nil {
		return nil, errors.New("token missing required claims")
	}

	return &Identity{
		UserID:    c.Subject,
		Address:   c.Address,
		TokenID:   c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// --- Middleware ---

type ctxKey struct{}

// FromContext returns the verified identity set by Middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	ident, ok := ctx.Value(ctxKey{}).(*Identity)
	return ident, ok
}

// WithIdentity places an identity on the context. Exposed for handler
// tests that bypass token verification.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, ident)
}

// Middleware enforces a valid, unrevoked bearer token and places the
// caller's identity on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing bearer token")
			return
		}

		ident, err := s.parseToken(raw)
		if err != nil {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "invalid identity token")
			return
		}

		revoked, err := s.store.IsTokenRevoked(r.Context(), ident.TokenID)
		if err != nil {
			slog.Error("revocation check failed", "err", err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
			return
		}
		if revoked {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "token revoked")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ident)))
	})
}

// Optional is like Middleware but lets anonymous or invalid-token requests
// through without an identity. Used by public endpoints that enrich their
// response for authenticated callers.
func (s *Service) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ident, err := s.parseToken(raw)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if revoked, err := s.store.IsTokenRevoked(r.Context(), ident.TokenID); err != nil || revoked {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ident)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// --- Message parsing ---

// signedMessage is the parsed form of the text a wallet signs. The message
// must carry the issued nonce; chain id and issue time are validated when
// present.
type signedMessage struct {
	Nonce    string
	ChainID  int64
	IssuedAt time.Time
}

func parseMessage(message string) (*signedMessage, error) {
	var msg signedMessage
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Nonce: "):
			msg.Nonce = strings.TrimPrefix(line, "Nonce: ")
		case strings.HasPrefix(line, "Chain ID: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "Chain ID: "), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: unparseable chain id", ErrBadSignature)
			}
			msg.ChainID = id
		case strings.HasPrefix(line, "Issued At: "):
			at, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "Issued At: "))
			if err != nil {
				return nil, fmt.Errorf("%w: unparseable issue time", ErrBadSignature)
			}
			msg.IssuedAt = at
		}
	}
	if msg.Nonce == "" {
		return nil, ErrInvalidNonce
	}
	return &msg, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
