// Package api holds the stable error taxonomy and JSON response helpers
// shared by the HTTP handlers. Every failure surfaces one of these codes so
// callers can render a precise message and tests can assert on the exact
// failure kind.
package api

import (
	"encoding/json"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeForbidden       Code = "forbidden"
	CodeInvalidState    Code = "invalid_state"
	CodeInvalidRound    Code = "invalid_round"
	CodeInvalidInput    Code = "invalid_input"
	CodeUnauthenticated Code = "unauthenticated"
	CodeInvalidNonce    Code = "invalid_nonce"
	CodeSignatureFailed Code = "signature_verification_failed"
	CodeInternal        Code = "internal"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code  Code   `json:"code"`
	Error string `json:"error"`
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with a stable code.
func WriteError(w http.ResponseWriter, status int, code Code, message string) {
	WriteJSON(w, status, ErrorBody{Code: code, Error: message})
}
