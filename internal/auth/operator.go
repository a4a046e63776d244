package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any failed login.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Operator is an authenticated dashboard user.
type Operator struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Authenticator checks operator logins against a configured account.
type Authenticator struct {
	email        string
	passwordHash []byte
	role         string
}

// NewAuthenticator creates an authenticator. An empty hash disables login.
func NewAuthenticator(email, passwordHash, role string) *Authenticator {
	return &Authenticator{
		email:        strings.ToLower(strings.TrimSpace(email)),
		passwordHash: []byte(passwordHash),
		role:         role,
	}
}

// Login verifies the credentials.
func (a *Authenticator) Login(email, password string) (Operator, error) {
	if len(a.passwordHash) == 0 {
		return Operator{}, ErrInvalidCredentials
	}
	given := strings.ToLower(strings.TrimSpace(email))
	emailOK := subtle.ConstantTimeCompare([]byte(given), []byte(a.email)) == 1
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil || !emailOK {
		return Operator{}, ErrInvalidCredentials
	}
	return Operator{Email: a.email, Role: a.role}, nil
}
