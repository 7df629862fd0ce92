// Package utils provides helpers for admin token creation and password
// verification. Buyer authentication is handled by an external
// collaborator; only the admin panel signs in here.
package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AdminRole is the role claim carried by admin tokens and required by the
// admin route group.
const AdminRole = "ADMIN"

// NewAdminToken builds and signs an HS256 JWT for the admin panel. Claims:
// subject "admin", role, expiration and issued-at.
func NewAdminToken(secret string, ttlMin int) (string, time.Time, error) {
	exp := time.Now().UTC().Add(time.Duration(ttlMin) * time.Minute)
	claims := jwt.MapClaims{
		"sub":  "admin",
		"role": AdminRole,
		"exp":  exp.Unix(),
		"iat":  time.Now().UTC().Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// HashPassword returns a bcrypt hash using the given cost. Used by the
// hash generation script and tests; the server only ever verifies.
func HashPassword(plain string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword safely compares a bcrypt hash and a plain password.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
