package listen

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestParseTokenUnverified(t *testing.T) {
	expirationTime := time.Now().Add(1 * time.Hour).Truncate(time.Second)

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"project_id": "zp7mbokg",
		"label":      "ci",
		"exp":        expirationTime.Unix(),
	})
	tokenString, err := token.SignedString([]byte("test-key"))
	assert.Equal(t, err, nil)

	claims, err := ParseTokenUnverified(tokenString)
	assert.Equal(t, err, nil)
	assert.Equal(t, "zp7mbokg", claims.ProjectId)
	assert.Equal(t, "ci", claims.Label)
	assert.Equal(t, true, claims.ExpirationTime.Equal(expirationTime))
}

func TestParseTokenUnverifiedGarbage(t *testing.T) {
	_, err := ParseTokenUnverified("not-a-token")
	assert.NotEqual(t, err, nil)
}
