package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/config"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewManager(config.AuthConfig{JWTSecret: "s3cret", TokenTTL: time.Hour})

	token, err := m.Issue("user-1", "tenant-1", []string{"reviewer"})
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, []string{"reviewer"}, claims.Roles)
	assert.Equal(t, "merlin", claims.Issuer)
}

func TestValidateRejects(t *testing.T) {
	m := NewManager(config.AuthConfig{JWTSecret: "s3cret", TokenTTL: time.Hour})
	token, err := m.Issue("user-1", "tenant-1", nil)
	require.NoError(t, err)

	other := NewManager(config.AuthConfig{JWTSecret: "other"})
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewManager(config.AuthConfig{JWTSecret: "s3cret", Issuer: "someone-else"})
	_, err = wrongIssuer.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateExpired(t *testing.T) {
	m := NewManager(config.AuthConfig{JWTSecret: "s3cret", TokenTTL: time.Minute})
	issued := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	token, err := m.Issue("user-1", "tenant-1", nil)
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
