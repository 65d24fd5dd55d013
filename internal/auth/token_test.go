package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaims(exp time.Time) Claims {
	return Claims{
		Email: "avery@example.com",
		Name:  "Avery",
		Role:  "client",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_1",
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	claims, err := ParseToken(secret, issued)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, "avery@example.com", claims.Email)
	assert.Equal(t, "client", claims.Role)
	assert.Equal(t, "jti-1", claims.ID)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, testClaims(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	_, err = ParseToken(secret, issued)
	assert.Equal(t, ErrExpiredToken, err)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = ParseToken([]byte("other"), issued)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestParseTokenRejectsOtherAlgorithm(t *testing.T) {
	claims := testClaims(time.Now().Add(time.Hour))
	claims.Issuer = issuer
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken([]byte("secret"), unsigned)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestIssueTokenRequiresSubjectAndID(t *testing.T) {
	claims := testClaims(time.Now().Add(time.Hour))
	claims.ID = ""
	_, err := IssueToken([]byte("secret"), claims)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestHashTokenIsStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
