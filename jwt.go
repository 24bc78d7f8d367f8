package listen

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the subset of bearer token claims this package inspects.
type TokenClaims struct {
	ProjectId      string
	Label          string
	ExpirationTime time.Time
}

// ParseTokenUnverified decodes the token claims without verifying the
// signature. The server remains authoritative; the claims are only used to
// warn about streams that are doomed before they open.
func ParseTokenUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}

	if projectId, ok := claims["project_id"].(string); ok {
		tokenClaims.ProjectId = projectId
	}
	if label, ok := claims["label"].(string); ok {
		tokenClaims.Label = label
	}
	if expirationTime, err := claims.GetExpirationTime(); err == nil && expirationTime != nil {
		tokenClaims.ExpirationTime = expirationTime.Time
	}

	return tokenClaims, nil
}
