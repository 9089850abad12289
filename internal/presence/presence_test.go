package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and
// removes leftover test keys. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{ConnPrefix + "test_*", UserPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client, "ws-test")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// readEntry loads the raw connection hash; nil means the key is gone.
func readEntry(t *testing.T, store *Store, connID string) *Entry {
	t.Helper()
	var e Entry
	if err := store.client.HGetAll(context.Background(), ConnPrefix+connID).Scan(&e); err != nil {
		t.Fatalf("HGetAll(%s) error: %v", connID, err)
	}
	if e.ConnID == "" {
		return nil
	}
	return &e
}

func TestStore_AddTouchRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Add(ctx, Entry{ConnID: "test_c1", UserID: "test_alice", Name: "Alice Smith"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	e := readEntry(t, store, "test_c1")
	if e == nil {
		t.Fatal("expected entry, got nil")
	}
	if e.Server != "ws-test" {
		t.Errorf("expected server ws-test, got %q", e.Server)
	}
	if e.ConnectedAt == 0 || e.LastActive == 0 {
		t.Errorf("timestamps not set: %+v", e)
	}

	if err := store.Touch(ctx, "test_c1", "test_alice"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	if err := store.Remove(ctx, "test_c1", "test_alice"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if e := readEntry(t, store, "test_c1"); e != nil {
		t.Errorf("expected nil after remove, got %+v", e)
	}
}

func TestStore_Online(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Add(ctx, Entry{ConnID: "test_c1", UserID: "test_alice"})
	store.Add(ctx, Entry{ConnID: "test_c2", UserID: "test_alice"})
	store.Add(ctx, Entry{ConnID: "test_c3", UserID: "test_bob"})

	online, err := store.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	if !contains(online, "test_alice") || !contains(online, "test_bob") {
		t.Fatalf("expected alice and bob online, got %v", online)
	}

	store.Remove(ctx, "test_c3", "test_bob")
	store.Remove(ctx, "test_c1", "test_alice")

	online, err = store.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	if contains(online, "test_bob") {
		t.Errorf("bob should be offline, got %v", online)
	}
	if !contains(online, "test_alice") {
		t.Errorf("alice still has a connection, got %v", online)
	}
}

func TestLocal(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	l.Add(ctx, Entry{ConnID: "c1", UserID: "u-bob"})
	l.Add(ctx, Entry{ConnID: "c2", UserID: "u-alice"})
	l.Add(ctx, Entry{ConnID: "c3", UserID: "u-alice"})

	online, _ := l.Online(ctx)
	if len(online) != 2 || online[0] != "u-alice" || online[1] != "u-bob" {
		t.Fatalf("unexpected online list %v", online)
	}

	l.Remove(ctx, "c2", "u-alice")
	l.Remove(ctx, "c1", "u-bob")
	online, _ = l.Online(ctx)
	if len(online) != 1 || online[0] != "u-alice" {
		t.Fatalf("unexpected online list after removal %v", online)
	}
}
