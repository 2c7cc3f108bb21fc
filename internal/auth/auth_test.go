package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.RegisterOperator("ops", "ops-secret", PermissionRead, PermissionSettle)

	token, err := s.GenerateToken(Credentials{APIKey: "ops", APISecret: "ops-secret"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiration, 5*time.Second)

	claims, err := s.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.ClientID)
	assert.True(t, claims.Has(PermissionSettle))
	assert.False(t, claims.Has(PermissionAdmin))
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.RegisterOperator("ops", "ops-secret", PermissionRead)

	_, err := s.GenerateToken(Credentials{APIKey: "ops", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.GenerateToken(Credentials{APIKey: "nobody", APISecret: "ops-secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewService("one-secret", time.Hour)
	issuer.RegisterOperator("ops", "ops-secret", PermissionAdmin)
	token, err := issuer.GenerateToken(Credentials{APIKey: "ops", APISecret: "ops-secret"})
	require.NoError(t, err)

	_, err = NewService("other-secret", time.Hour).ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestAdminHasEveryPermission(t *testing.T) {
	c := &Claims{Permissions: []string{PermissionAdmin}}
	assert.True(t, c.Has(PermissionSettle))
	assert.True(t, c.Has(PermissionRead))
}
