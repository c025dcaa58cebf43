package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermStageRun     = "stage.run"
	PermRecordsRead  = "records.read"
	PermRecordsWrite = "records.write"
	PermRecordsReset = "records.reset"
	// PermAll grants every permission.
	PermAll = "*"
)

func Permissions() []string {
	return []string{PermStageRun, PermRecordsRead, PermRecordsWrite, PermRecordsReset}
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Allowed reports whether granted covers perm. A grant ending in ".*"
// covers its whole prefix.
func Allowed(granted []string, perm string) bool {
	for _, g := range granted {
		g = strings.TrimSpace(g)
		switch {
		case g == PermAll, g == perm:
			return true
		case strings.HasSuffix(g, ".*") && strings.HasPrefix(perm, strings.TrimSuffix(g, "*")):
			return true
		}
	}
	return false
}

func Require(granted []string, perm string) error {
	if Allowed(granted, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// Claims are the JWT claims accepted by the HTTP API.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// Issue signs an HS256 token for subject. A zero ttl issues a token without expiry.
func Issue(secret, subject string, perms []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	for _, p := range perms {
		if p != PermAll && !strings.HasSuffix(p, ".*") && !slices.Contains(Permissions(), p) {
			return "", fmt.Errorf("unknown permission %q", p)
		}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "briefcast",
		},
		Permissions: perms,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Parse verifies an HS256 token and returns its claims.
func Parse(token, secret string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}
