package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadCredentials is returned for a wrong operator password.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrLoginDisabled is returned when no operator password is configured.
	ErrLoginDisabled = errors.New("operator login not configured")
)

// HashPassword returns a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

// CheckPassword compares password with hash.
func CheckPassword(hash, password string) error {
	if hash == "" {
		return ErrLoginDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
