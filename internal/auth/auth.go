// Package auth implements the single-shared-secret authentication scheme
// described in spec §6.3: a constant-time token comparison gating both the
// duplex upgrade and the REST endpoints.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Reason enumerates the upgrade-path failure modes from spec §6.3.
type Reason string

const (
	ReasonMissingHeader       Reason = "missing_header"
	ReasonMissingThqProtocol  Reason = "missing_thq_protocol"
	ReasonMissingToken        Reason = "missing_token"
	ReasonTokenMismatch       Reason = "token_mismatch"
	ReasonTokenNotConfigured  Reason = "token_not_configured"
)

// Error is an authentication failure carrying the HTTP status it maps to.
type Error struct {
	Reason Reason
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth failed: %s", e.Reason)
}

func newError(reason Reason, status int) *Error {
	return &Error{Reason: reason, Status: status}
}

// Verifier holds the configured shared secret and whether auth is required.
type Verifier struct {
	token    string
	required bool
}

// NewVerifier constructs a Verifier. token may be empty, in which case
// required must be false (the Config layer enforces this at load time).
func NewVerifier(token string, required bool) *Verifier {
	return &Verifier{token: token, required: required}
}

// Required reports whether authentication is enabled.
func (v *Verifier) Required() bool {
	return v != nil && v.required
}

func (v *Verifier) equals(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(v.token)) == 1
}

// const protocolName is the duplex subprotocol clients must offer alongside
// the auth token subprotocol.
const protocolName = "thq"

const authPrefix = "thq-auth-"

// VerifyUpgrade validates the Sec-WebSocket-Protocol offer on a duplex
// upgrade request. It returns the subprotocol to echo back ("thq") on
// success.
func (v *Verifier) VerifyUpgrade(header string) (string, error) {
	if !v.Required() {
		return protocolName, nil
	}
	if v.token == "" {
		return "", newError(ReasonTokenNotConfigured, http.StatusInternalServerError)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return "", newError(ReasonMissingHeader, http.StatusUnauthorized)
	}
	offered := strings.Split(header, ",")
	sawProtocol := false
	var presentedToken string
	for _, raw := range offered {
		item := strings.TrimSpace(raw)
		switch {
		case item == protocolName:
			sawProtocol = true
		case strings.HasPrefix(item, authPrefix):
			presentedToken = strings.TrimPrefix(item, authPrefix)
		}
	}
	if !sawProtocol {
		return "", newError(ReasonMissingThqProtocol, http.StatusUnauthorized)
	}
	if presentedToken == "" {
		return "", newError(ReasonMissingToken, http.StatusUnauthorized)
	}
	if !v.equals(presentedToken) {
		return "", newError(ReasonTokenMismatch, http.StatusUnauthorized)
	}
	return protocolName, nil
}

// VerifyBearer validates an `Authorization: Bearer <token>` REST request.
func (v *Verifier) VerifyBearer(header string) error {
	if !v.Required() {
		return nil
	}
	if v.token == "" {
		return newError(ReasonTokenNotConfigured, http.StatusInternalServerError)
	}
	header = strings.TrimSpace(header)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return newError(ReasonMissingToken, http.StatusUnauthorized)
	}
	candidate := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if candidate == "" {
		return newError(ReasonMissingToken, http.StatusUnauthorized)
	}
	if !v.equals(candidate) {
		return newError(ReasonTokenMismatch, http.StatusUnauthorized)
	}
	return nil
}
