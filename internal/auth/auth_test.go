package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyUpgradeAcceptsCorrectToken(t *testing.T) {
	v := NewVerifier("secret", true)
	protocol, err := v.VerifyUpgrade("thq, thq-auth-secret")
	require.NoError(t, err)
	require.Equal(t, "thq", protocol)
}

func TestVerifyUpgradeMissingHeader(t *testing.T) {
	v := NewVerifier("secret", true)
	_, err := v.VerifyUpgrade("")
	requireReason(t, err, ReasonMissingHeader, http.StatusUnauthorized)
}

func TestVerifyUpgradeMissingThqProtocol(t *testing.T) {
	v := NewVerifier("secret", true)
	_, err := v.VerifyUpgrade("thq-auth-secret")
	requireReason(t, err, ReasonMissingThqProtocol, http.StatusUnauthorized)
}

func TestVerifyUpgradeMissingToken(t *testing.T) {
	v := NewVerifier("secret", true)
	_, err := v.VerifyUpgrade("thq")
	requireReason(t, err, ReasonMissingToken, http.StatusUnauthorized)
}

func TestVerifyUpgradeTokenMismatch(t *testing.T) {
	v := NewVerifier("secret", true)
	_, err := v.VerifyUpgrade("thq, thq-auth-wrong")
	requireReason(t, err, ReasonTokenMismatch, http.StatusUnauthorized)
}

func TestVerifyUpgradeTokenNotConfigured(t *testing.T) {
	v := NewVerifier("", true)
	_, err := v.VerifyUpgrade("thq, thq-auth-anything")
	requireReason(t, err, ReasonTokenNotConfigured, http.StatusInternalServerError)
}

func TestVerifyUpgradeNotRequiredSkipsCheck(t *testing.T) {
	v := NewVerifier("", false)
	protocol, err := v.VerifyUpgrade("")
	require.NoError(t, err)
	require.Equal(t, "thq", protocol)
}

func TestVerifyBearerAcceptsCorrectToken(t *testing.T) {
	v := NewVerifier("secret", true)
	require.NoError(t, v.VerifyBearer("Bearer secret"))
}

func TestVerifyBearerRejectsWrongToken(t *testing.T) {
	v := NewVerifier("secret", true)
	err := v.VerifyBearer("Bearer wrong")
	requireReason(t, err, ReasonTokenMismatch, http.StatusUnauthorized)
}

func TestVerifyBearerRejectsMissingHeader(t *testing.T) {
	v := NewVerifier("secret", true)
	err := v.VerifyBearer("")
	requireReason(t, err, ReasonMissingToken, http.StatusUnauthorized)
}

func requireReason(t *testing.T, err error, reason Reason, status int) {
	t.Helper()
	require.Error(t, err)
	authErr, ok := err.(*Error)
	require.True(t, ok, "expected *auth.Error, got %T", err)
	require.Equal(t, reason, authErr.Reason)
	require.Equal(t, status, authErr.Status)
}
