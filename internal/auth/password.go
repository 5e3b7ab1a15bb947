package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted for new accounts.
const MinPasswordLength = 6

// ErrPasswordTooShort is returned by HashPassword for short inputs.
var ErrPasswordTooShort = errors.New("password too short")

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// DummyHash returns a fixed bcrypt hash at the default cost that matches no
// real password. Checking against it when an account is missing makes the
// rejection take as long as a wrong password.
func DummyHash() string {
	dummyOnce.Do(func() {
		b, err := bcrypt.GenerateFromPassword([]byte("no-such-account"), bcrypt.DefaultCost)
		if err == nil {
			dummyHash = string(b)
		}
	})
	return dummyHash
}
