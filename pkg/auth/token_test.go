package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_DisabledAdmitsAll(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())
	_, err := v.Verify("")
	assert.NoError(t, err)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.Issue("viewer-1", time.Minute)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "viewer-1", sub)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("s3cret")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, _ := NewVerifier("other").Issue("x", time.Minute)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _ := v.Issue("x", -time.Minute)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	_, err = v.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
