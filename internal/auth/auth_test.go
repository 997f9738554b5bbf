package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/auth"
	"github.com/taskplane/taskplane/internal/model"
)

func TestHashAndVerifyPasskey(t *testing.T) {
	hash, err := auth.HashPasskey("test-passkey-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyPasskey("test-passkey-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPasskey("wrong-passkey", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyPasskey_MalformedHash(t *testing.T) {
	_, err := auth.VerifyPasskey("anything", "no-dollar-separator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid hash format")
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	agent := model.Agent{
		ID:   uuid.New(),
		Name: "builder-1",
		Role: model.RoleWorker,
	}
	session := model.AgentSession{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		ProjectID: uuid.New(),
		Purpose:   model.PurposeTask,
		ExpiresAt: time.Now().UTC().Add(2 * time.Hour),
	}

	token, expiresAt, err := mgr.IssueToken(agent, session)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, claims.SessionID)
	assert.Equal(t, agent.ID, claims.AgentID)
	assert.Equal(t, session.ProjectID, claims.ProjectID)
	assert.Equal(t, model.PurposeTask, claims.Purpose)
	assert.Equal(t, model.RoleWorker, claims.Role)
}

func TestIssueToken_CappedBySessionExpiry(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 24*time.Hour)
	require.NoError(t, err)

	session := model.AgentSession{
		ID:        uuid.New(),
		Purpose:   model.PurposeChat,
		ExpiresAt: time.Now().UTC().Add(10 * time.Minute),
	}
	agent := model.Agent{ID: uuid.New(), Role: model.RoleManager}

	_, expiresAt, err := mgr.IssueToken(agent, session)
	require.NoError(t, err)
	// Token must not outlive the session it is bound to.
	assert.True(t, expiresAt.Before(time.Now().Add(11*time.Minute)))
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "not-taskplane",
			Audience:  jwt.ClaimStrings{"taskplane"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		SessionID: uuid.New(),
		AgentID:   uuid.New(),
		Role:      model.RoleWorker,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_MissingSession(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "taskplane",
			Audience:  jwt.ClaimStrings{"taskplane"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		AgentID: uuid.New(),
		Role:    model.RoleManager,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "taskplane",
			Audience:  jwt.ClaimStrings{"taskplane"},
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
			ID:        uuid.New().String(),
		},
		SessionID: uuid.New(),
		AgentID:   uuid.New(),
		Role:      model.RoleWorker,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
}
