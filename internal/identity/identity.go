// Package identity resolves presented credentials to alumni user accounts.
// Password hashing and token issuance live elsewhere; this package only
// verifies bearer tokens and looks users up.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthRejected is returned when a credential is missing, invalid, or
	// names an unknown or inactive account.
	ErrAuthRejected = errors.New("identity: authentication rejected")

	// ErrUserNotFound is returned by directories for unknown user ids.
	ErrUserNotFound = errors.New("identity: user not found")
)

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAlumni Role = "alumni"
)

// User is the subset of an account the chat relay needs.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      Role
	Active    bool
}

// DisplayName is the "First Last" form captured on chat messages.
func (u *User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Directory looks user accounts up by id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*User, error)
}

// Authenticator turns handshake and request credentials into active users.
type Authenticator struct {
	dir    Directory
	tokens *TokenVerifier
}

// NewAuthenticator creates an Authenticator. tokens may be nil, in which
// case only raw user ids are accepted.
func NewAuthenticator(dir Directory, tokens *TokenVerifier) *Authenticator {
	return &Authenticator{dir: dir, tokens: tokens}
}

// ResolveToken verifies a bearer token and returns the active user it names.
func (a *Authenticator) ResolveToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthRejected)
	}
	if a.tokens == nil {
		return nil, fmt.Errorf("%w: token authentication disabled", ErrAuthRejected)
	}
	userID, err := a.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return a.ResolveUserID(ctx, userID)
}

// ResolveUserID returns the active user with the given id.
func (a *Authenticator) ResolveUserID(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrAuthRejected)
	}
	user, err := a.dir.Lookup(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: user %s not found", ErrAuthRejected, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lookup %s: %w", userID, err)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: user %s is inactive", ErrAuthRejected, userID)
	}
	return user, nil
}
