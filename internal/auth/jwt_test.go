package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
)

func hsToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateHS256(t *testing.T) {
	v, err := NewJWTValidatorHS256("secret")
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Unix()

	sub, err := v.Validate(hsToken(t, "secret", jwt.MapClaims{"sub": "alice", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	sub, err = v.Validate(hsToken(t, "secret", jwt.MapClaims{"user_id": "bob", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "bob", sub)
}

func TestValidateRejects(t *testing.T) {
	v, err := NewJWTValidatorHS256("secret")
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"malformed":    "not.a.jwt",
		"wrong secret": hsToken(t, "other", jwt.MapClaims{"sub": "alice"}),
		"expired":      hsToken(t, "secret", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no subject":   hsToken(t, "secret", jwt.MapClaims{"role": "admin"}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(tok)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrAuth)
		})
	}
}

func TestValidateRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := NewJWTValidator("RS256", "", path)
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "carol"}).SignedString(key)
	require.NoError(t, err)
	sub, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "carol", sub)

	// an HS256 token must not pass an RS256 validator
	_, err = v.Validate(hsToken(t, "x", jwt.MapClaims{"sub": "carol"}))
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestParseBearerToken(t *testing.T) {
	tok, err := ParseBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = ParseBearerToken("bearer  xyz ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Token abc", "Bearer", "Bearer  "} {
		_, err := ParseBearerToken(h)
		assert.ErrorIs(t, err, apperr.ErrAuth, h)
	}
}
