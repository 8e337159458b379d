package store

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.SetIfAbsent(ctx, "k", "v1")
	if err != nil || !created {
		t.Fatalf("expected create, err=%v created=%v", err, created)
	}
	created, err = s.SetIfAbsent(ctx, "k", "v2")
	if err != nil || created {
		t.Fatalf("expected existing key to win, err=%v created=%v", err, created)
	}
	val, err := s.Get(ctx, "k")
	if err != nil || val != "v1" {
		t.Fatalf("expected v1, got %q err=%v", val, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetIfAbsent(ctx, "a", "1"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := s.SetIfAbsent(ctx, "b", "2"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	n, err := s.Delete(ctx, "a", "b", "c")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted, got %d err=%v", n, err)
	}
	n, err = s.Delete(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op delete, got %d err=%v", n, err)
	}
}

func TestListOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"alice", "bob", "alice"} {
		if err := s.ListPush(ctx, "holders", v); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if n, err := s.ListLength(ctx, "holders"); err != nil || n != 3 {
		t.Fatalf("expected length 3, got %d err=%v", n, err)
	}
	if n, err := s.ListRemoveOne(ctx, "holders", "alice"); err != nil || n != 1 {
		t.Fatalf("expected one removal, got %d err=%v", n, err)
	}
	if n, err := s.ListLength(ctx, "holders"); err != nil || n != 2 {
		t.Fatalf("expected length 2, got %d err=%v", n, err)
	}
	if n, err := s.ListRemoveOne(ctx, "holders", "nobody"); err != nil || n != 0 {
		t.Fatalf("expected zero removals, got %d err=%v", n, err)
	}
	vals, err := s.ListRange(ctx, "holders")
	if err != nil || len(vals) != 2 {
		t.Fatalf("expected 2 entries, got %v err=%v", vals, err)
	}
}

func TestScanKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetIfAbsent(ctx, "ns_one", "x"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := s.SetIfAbsent(ctx, "ns_two", "y"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := s.SetIfAbsent(ctx, "other", "z"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	keys, err := s.ScanKeys(ctx, "ns_")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestAtomicCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.Get(ctx, "lock"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound inside tx, got %v", err)
		}
		return tx.Pipelined(ctx, func(p Pipe) error {
			p.ListPush(ctx, "holders", "alice")
			return nil
		})
	}, "lock", "holders")
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if n, err := s.ListLength(ctx, "holders"); err != nil || n != 1 {
		t.Fatalf("expected committed push, got %d err=%v", n, err)
	}
}

func TestAtomicRetriesOnWatchConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	attempts := 0
	err = s.Atomic(ctx, func(tx Tx) error {
		attempts++
		if attempts == 1 {
			// Interfere with the watched key between read and commit so the
			// first EXEC fails and the body runs again.
			mr.Set("watched", "changed")
		}
		return tx.Pipelined(ctx, func(p Pipe) error {
			p.ListPush(ctx, "holders", "alice")
			return nil
		})
	}, "watched")
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if n, err := s.ListLength(ctx, "holders"); err != nil || n != 1 {
		t.Fatalf("expected exactly one committed push, got %d err=%v", n, err)
	}
}

func TestAtomicBodyError(t *testing.T) {
	s := newTestStore(t)
	wantErr := errors.New("boom")
	err := s.Atomic(context.Background(), func(tx Tx) error {
		return wantErr
	}, "key")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected body error, got %v", err)
	}
}

func TestNamespaceKeys(t *testing.T) {
	ns := Namespace("server_coordinator")
	if got := ns.LockKey("42"); got != "server_coordinator42" {
		t.Fatalf("unexpected lock key: %s", got)
	}
	if got := ns.HolderKey("42"); got != "server_coordinator42_user_list" {
		t.Fatalf("unexpected holder key: %s", got)
	}
	if !ns.IsHolderKey(ns.HolderKey("42")) {
		t.Fatalf("expected holder key detection")
	}
	if ns.IsHolderKey(ns.LockKey("42")) {
		t.Fatalf("lock key misdetected as holder key")
	}
	if got := ns.Resource(ns.HolderKey("42")); got != "42" {
		t.Fatalf("unexpected resource from holder key: %s", got)
	}
	if got := ns.Resource(ns.LockKey("42")); got != "42" {
		t.Fatalf("unexpected resource from lock key: %s", got)
	}
	if got := ns.Prefix(); got != "server_coordinator" {
		t.Fatalf("unexpected prefix: %s", got)
	}
}
