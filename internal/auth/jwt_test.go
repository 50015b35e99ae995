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
)

func sign(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestHS256Validate(t *testing.T) {
	v, err := NewJWTValidator("hs256", "", "s3cret")
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).Unix()

	uid, err := v.Validate(sign(t, jwt.MapClaims{"sub": "u1", "exp": exp}, "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	uid, err = v.Validate(sign(t, jwt.MapClaims{"user_id": "u2", "exp": exp}, "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "u2", uid)
}

func TestHS256Rejects(t *testing.T) {
	v, err := NewJWTValidatorHS256("s3cret")
	require.NoError(t, err)

	cases := map[string]string{
		"empty":       "",
		"garbage":     "not-a-jwt",
		"wrong key":   sign(t, jwt.MapClaims{"sub": "u1"}, "other"),
		"expired":     sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()}, "s3cret"),
		"no subject":  sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, "s3cret"),
		"blank claim": sign(t, jwt.MapClaims{"sub": ""}, "s3cret"),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(tok)
			assert.Error(t, err)
		})
	}
}

func TestRS256Validate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := NewJWTValidator("RS256", path, "")
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "u9"}).SignedString(key)
	require.NoError(t, err)
	uid, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "u9", uid)

	// an HS256 token must not pass an RS256 validator
	_, err = v.Validate(sign(t, jwt.MapClaims{"sub": "u9"}, "whatever"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("Bearer "))
}
