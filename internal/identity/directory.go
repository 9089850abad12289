package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PostgresDirectory reads accounts from the users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by the given database.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, email, first_name, last_name, role, active
		FROM users
		WHERE id = $1`

	var (
		u    User
		role string
	)
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &role, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: select user: %w", err)
	}
	u.Role = Role(role)
	return &u, nil
}

// EnsureAdmin creates a "System Admin" account when no admin exists yet.
// It reports whether an account was created.
func (d *PostgresDirectory) EnsureAdmin(ctx context.Context, email, passwordHash string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE role = $1)`, string(RoleAdmin)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("identity: check admin: %w", err)
	}
	if exists {
		return false, nil
	}

	const insert = `
		INSERT INTO users (id, email, first_name, last_name, hashed_password, role, active)
		VALUES ($1, $2, 'System', 'Admin', $3, $4, TRUE)`
	_, err = d.db.ExecContext(ctx, insert, uuid.New().String(), strings.ToLower(email), passwordHash, string(RoleAdmin))
	if err != nil {
		return false, fmt.Errorf("identity: create admin: %w", err)
	}
	return true, nil
}

// StaticDirectory is an in-memory Directory for development and tests.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticDirectory creates a directory holding users.
func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (*User, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}
