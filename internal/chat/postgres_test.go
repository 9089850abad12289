package chat

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/acces/alumni-chat/internal/database"
)

// openTestDB connects to the database named by TEST_DATABASE_URL, applies
// migrations and seeds the users referenced by the suite. Tests that call
// this helper are skipped when no database is configured.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	config := database.DefaultConfig()
	config.URL = url
	db, err := database.Open(context.Background(), config)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	const seed = `
		INSERT INTO users (id, email, first_name, last_name, hashed_password, role)
		VALUES ($1, $2, $3, $4, 'x', $5)
		ON CONFLICT (id) DO NOTHING`
	for _, u := range [][]string{
		{"u-alice", "alice@test.local", "Alice", "Smith", "alumni"},
		{"u-bob", "bob@test.local", "Bob", "Jones", "alumni"},
		{"u-admin", "admin@test.local", "System", "Admin", "admin"},
	} {
		if _, err := db.Exec(seed, u[0], u[1], u[2], u[3], u[4]); err != nil {
			t.Fatalf("seed user %s: %v", u[0], err)
		}
	}
	return db
}

func TestPostgresStore(t *testing.T) {
	db := openTestDB(t)

	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		if _, err := db.Exec(`DELETE FROM chat_messages`); err != nil {
			t.Fatalf("reset chat_messages: %v", err)
		}
		return NewPostgresStore(db).WithClock(clock.Now)
	})
}
