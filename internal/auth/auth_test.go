package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/auth"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	tenantID := uuid.New()
	token, expiresAt, err := mgr.IssueToken(tenantID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, tenantID, claims.TenantID)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "loom", claims.Issuer)
}

func TestValidateExpiredToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(uuid.New(), "bob")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenFromDifferentKeyPair(t *testing.T) {
	issuer, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	verifier, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.IssueToken(uuid.New(), "carol")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenMissingTenant(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(uuid.Nil, "dave")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant")
}

func TestValidateGarbageToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not-a-token")
	require.Error(t, err)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	// A structurally valid token signed elsewhere for another audience.
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  "eve",
		Audience: jwt.ClaimStrings{"other-service"},
	})
	signed, err := other.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = mgr.ValidateToken(signed)
	require.Error(t, err)
}
