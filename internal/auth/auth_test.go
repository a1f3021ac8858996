package auth_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/cavecrawl/game-engine/internal/auth"
	"github.com/cavecrawl/game-engine/internal/store"
)

// fakeVerifier stands in for the chain when testing contract wallet
// signatures.
type fakeVerifier struct {
	valid bool
	err   error
}

func (v *fakeVerifier) ValidSignature(_ context.Context, _ common.Address, _ [32]byte, _ []byte) (bool, error) {
	return v.valid, v.err
}

type authEnv struct {
	ms     *store.MemoryStore
	svc    *auth.Service
	router chi.Router
}

func newAuthEnv(t *testing.T, wallets auth.ContractVerifier) *authEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := auth.NewService(ms, wallets, auth.Config{
		Secret:  []byte("test-secret"),
		ChainID: 1,
	})

	r := chi.NewRouter()
	r.Post("/auth/nonce", svc.IssueNonce)
	r.Post("/auth/verify", svc.Verify)
	r.Group(func(r chi.Router) {
		r.Use(svc.Middleware)
		r.Post("/auth/logout", svc.Logout)
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			ident, _ := auth.FromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": ident.UserID})
		})
	})

	return &authEnv{ms: ms, svc: svc, router: r}
}

func (env *authEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *authEnv) issueNonce(t *testing.T, address string) string {
	t.Helper()
	w := env.do(t, "POST", "/auth/nonce", auth.NonceRequest{Address: address}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("issue nonce: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp auth.NonceResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Nonce == "" {
		t.Fatal("empty nonce")
	}
	return resp.Nonce
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	return body.Code
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func loginMessage(nonce string) string {
	return fmt.Sprintf("Sign in to Cave Crawl\n\nNonce: %s\nChain ID: 1\nIssued At: %s",
		nonce, time.Now().UTC().Format(time.RFC3339))
}

// signPersonal produces a wallet-style signature: EIP-191 personal-sign hash,
// V encoded as 27/28.
func signPersonal(t *testing.T, key *ecdsa.PrivateKey, message string) []byte {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return sig
}

// abiWrap encodes a signature as ABI dynamic bytes: offset 0x20, length,
// zero-padded payload.
func abiWrap(sig []byte) []byte {
	padded := (len(sig) + 31) / 32 * 32
	out := make([]byte, 64+padded)
	out[31] = 0x20
	binary.BigEndian.PutUint64(out[56:64], uint64(len(sig)))
	copy(out[64:], sig)
	return out
}

func (env *authEnv) verify(t *testing.T, req auth.VerifyRequest) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, "POST", "/auth/verify", req, "")
}

// fullLogin runs the nonce/sign/verify flow and returns the minted token and
// the resolved user id.
func (env *authEnv) fullLogin(t *testing.T, key *ecdsa.PrivateKey, address string) (string, string) {
	t.Helper()
	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	w := env.verify(t, auth.VerifyRequest{
		Address:   address,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, key, msg)),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp auth.VerifyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Token == "" || resp.User == nil {
		t.Fatal("verify response missing token or user")
	}
	return resp.Token, resp.User.ID
}

// --- Nonce issuance ---

func TestIssueNonce_RejectsBadAddress(t *testing.T) {
	env := newAuthEnv(t, nil)

	w := env.do(t, "POST", "/auth/nonce", auth.NonceRequest{Address: "not-an-address"}, "")
	if w.Code != http.StatusBadRequest || errCode(t, w) != "invalid_input" {
		t.Errorf("expected 400 invalid_input, got %d %s", w.Code, errCode(t, w))
	}
}

// --- Raw signature flow ---

func TestVerify_RawSignature(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	token, userID := env.fullLogin(t, key, address)

	// The token must pass the middleware and resolve to the same user.
	w := env.do(t, "GET", "/whoami", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("whoami: expected 200, got %d", w.Code)
	}
	var who map[string]string
	json.Unmarshal(w.Body.Bytes(), &who)
	if who["user_id"] != userID {
		t.Errorf("token resolves to %s, want %s", who["user_id"], userID)
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	env := newAuthEnv(t, nil)
	_, victim := newKey(t)
	attacker, _ := newKey(t)

	nonce := env.issueNonce(t, victim)
	msg := loginMessage(nonce)
	w := env.verify(t, auth.VerifyRequest{
		Address:   victim,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, attacker, msg)),
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("expected 401 signature_verification_failed, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_NonceSingleUse(t *testing.T) {
	// A successful verification consumes the nonce; replaying the same
	// signed message must fail with invalid_nonce.
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	req := auth.VerifyRequest{
		Address:   address,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, key, msg)),
	}

	if w := env.verify(t, req); w.Code != http.StatusOK {
		t.Fatalf("first verify: expected 200, got %d", w.Code)
	}
	w := env.verify(t, req)
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "invalid_nonce" {
		t.Errorf("replay should fail with 401 invalid_nonce, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_FailedAttemptBurnsNonce(t *testing.T) {
	// Even a failed verification consumes the nonce; a subsequent valid
	// attempt needs a fresh one.
	env := newAuthEnv(t, nil)
	key, address := newKey(t)
	attacker, _ := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)

	w := env.verify(t, auth.VerifyRequest{
		Address:   address,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, attacker, msg)),
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature should fail, got %d", w.Code)
	}

	w = env.verify(t, auth.VerifyRequest{
		Address:   address,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, key, msg)),
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "invalid_nonce" {
		t.Errorf("nonce should be burned, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_WrongChainID(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := fmt.Sprintf("Sign in to Cave Crawl\n\nNonce: %s\nChain ID: 5\nIssued At: %s",
		nonce, time.Now().UTC().Format(time.RFC3339))
	w := env.verify(t, auth.VerifyRequest{
		Address:   address,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, key, msg)),
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("wrong chain should fail, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_ExpiredMessage(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	nonce := env.issueNonce(t, address)
	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	msg := fmt.Sprintf("Sign in to Cave Crawl\n\nNonce: %s\nChain ID: 1\nIssued At: %s", nonce, stale)
	w := env.verify(t, auth.VerifyRequest{
		Address:   address,
		Message:   msg,
		Signature: hex.EncodeToString(signPersonal(t, key, msg)),
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("stale message should fail, got %d %s", w.Code, errCode(t, w))
	}
}

// --- ABI-wrapped envelope ---

func TestVerify_ABIWrapped(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	wrapped := abiWrap(signPersonal(t, key, msg))

	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     "0x" + hex.EncodeToString(wrapped),
		SignatureKind: "abi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("abi-wrapped verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVerify_ABIWrappedBadPadding(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	wrapped := abiWrap(signPersonal(t, key, msg))
	wrapped[len(wrapped)-1] = 0xff // non-zero padding byte

	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     hex.EncodeToString(wrapped),
		SignatureKind: "abi",
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("tampered wrapper should fail, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_ABIWrappedOverflowingLength(t *testing.T) {
	// A 64-byte wrapper whose length word wraps (length+31) around uint64
	// must be rejected cleanly, not panic in the slice expression.
	env := newAuthEnv(t, nil)
	_, address := newKey(t)

	wrapped := make([]byte, 64)
	wrapped[31] = 0x20
	binary.BigEndian.PutUint64(wrapped[56:64], ^uint64(0)-30) // 2^64 - 31

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     hex.EncodeToString(wrapped),
		SignatureKind: "abi",
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("overflowing wrapper should fail closed, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_ABIWrappedDirtyLengthWord(t *testing.T) {
	// Bits above the low 8 bytes of the length word mean a length the
	// wrapper cannot possibly carry; reject rather than truncate.
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	wrapped := abiWrap(signPersonal(t, key, msg))
	wrapped[40] = 0x01 // high byte of the length word

	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     hex.EncodeToString(wrapped),
		SignatureKind: "abi",
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("oversized length word should fail closed, got %d %s", w.Code, errCode(t, w))
	}
}

// --- Deferred (ERC-1271) envelope ---

func TestVerify_DeferredAccepted(t *testing.T) {
	env := newAuthEnv(t, &fakeVerifier{valid: true})
	_, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     hex.EncodeToString([]byte("contract-wallet-blob")),
		SignatureKind: "erc1271",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deferred verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVerify_DeferredRejected(t *testing.T) {
	env := newAuthEnv(t, &fakeVerifier{valid: false})
	_, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     hex.EncodeToString([]byte("contract-wallet-blob")),
		SignatureKind: "erc1271",
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("rejected contract signature, got %d %s", w.Code, errCode(t, w))
	}
}

func TestVerify_DeferredWithoutVerifier(t *testing.T) {
	// No chain client configured: deferred validation fails closed.
	env := newAuthEnv(t, nil)
	_, address := newKey(t)

	nonce := env.issueNonce(t, address)
	msg := loginMessage(nonce)
	w := env.verify(t, auth.VerifyRequest{
		Address:       address,
		Message:       msg,
		Signature:     hex.EncodeToString([]byte("contract-wallet-blob")),
		SignatureKind: "erc1271",
	})
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "signature_verification_failed" {
		t.Errorf("deferred without verifier should fail closed, got %d %s", w.Code, errCode(t, w))
	}
}

// --- Envelope classification ---

func TestClassifyEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		sigLen  int
		want    auth.EnvelopeKind
		wantErr bool
	}{
		{"tagged raw", "raw", 65, auth.EnvelopeRaw, false},
		{"tagged abi", "abi", 160, auth.EnvelopeABIWrapped, false},
		{"tagged erc1271", "erc1271", 33, auth.EnvelopeDeferred, false},
		{"untagged 65 bytes", "", 65, auth.EnvelopeRaw, false},
		{"untagged 64 bytes fails closed", "", 64, "", true},
		{"untagged 160 bytes fails closed", "", 160, "", true},
		{"unknown tag", "eip712", 65, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.ClassifyEnvelope(tt.kind, make([]byte, tt.sigLen))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Provisioning ---

func TestProvisioning_StableAcrossLogins(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	_, first := env.fullLogin(t, key, address)
	_, second := env.fullLogin(t, key, address)
	if first != second {
		t.Errorf("same address provisioned twice: %s vs %s", first, second)
	}
}

func TestPlaceholderUsername(t *testing.T) {
	got := auth.PlaceholderUsername("0xabcdef1234567890abcdef1234567890abcd9f3a")
	if got != "explorer-cd9f3a" {
		t.Errorf("placeholder = %s, want explorer-cd9f3a", got)
	}
}

// --- Tokens and revocation ---

func TestLogout_RevokesToken(t *testing.T) {
	env := newAuthEnv(t, nil)
	key, address := newKey(t)

	token, _ := env.fullLogin(t, key, address)

	if w := env.do(t, "POST", "/auth/logout", nil, token); w.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", w.Code)
	}

	w := env.do(t, "GET", "/whoami", nil, token)
	if w.Code != http.StatusUnauthorized || errCode(t, w) != "unauthenticated" {
		t.Errorf("revoked token should be rejected, got %d %s", w.Code, errCode(t, w))
	}
}

func TestMiddleware_RejectsGarbageToken(t *testing.T) {
	env := newAuthEnv(t, nil)

	w := env.do(t, "GET", "/whoami", nil, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token should be rejected, got %d", w.Code)
	}
}

func TestMiddleware_RejectsMissingToken(t *testing.T) {
	env := newAuthEnv(t, nil)

	w := env.do(t, "GET", "/whoami", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token should be rejected, got %d", w.Code)
	}
}

func TestMiddleware_RejectsForeignSecret(t *testing.T) {
	// A token minted under a different secret must not pass.
	env := newAuthEnv(t, nil)
	key, address := newKey(t)
	token, _ := env.fullLogin(t, key, address)

	foreign := auth.NewService(store.NewMemoryStore(), nil, auth.Config{
		Secret:  []byte("other-secret"),
		ChainID: 1,
	})
	r := chi.NewRouter()
	r.Use(foreign.Middleware)
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("foreign-secret token should be rejected, got %d", w.Code)
	}
}
