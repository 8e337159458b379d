package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Store exposes the atomic key-value primitives the coordinator builds on.
// Every mutation is either a single atomic operation or runs inside an
// Atomic scope guarded by watched keys.
type Store interface {
	// SetIfAbsent atomically creates key with value; false if key exists.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	ListPush(ctx context.Context, key, value string) error
	// ListRemoveOne removes one occurrence of value; returns removed count.
	ListRemoveOne(ctx context.Context, key, value string) (int64, error)
	ListLength(ctx context.Context, key string) (int64, error)
	ListRange(ctx context.Context, key string) ([]string, error)
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	// Atomic runs fn as an optimistic transaction watching the given keys.
	// If a watched key changes before the staged writes commit, fn is run
	// again. The retry loop is unbounded; it protects safety, not liveness.
	Atomic(ctx context.Context, fn func(tx Tx) error, watchKeys ...string) error
	Close() error
}

// Tx is the view of the store inside an Atomic scope. Reads see current
// state; writes must be staged through Pipelined and commit together.
type Tx interface {
	Get(ctx context.Context, key string) (string, error)
	ListLength(ctx context.Context, key string) (int64, error)
	Pipelined(ctx context.Context, fn func(p Pipe) error) error
}

// Pipe stages writes that commit atomically when the Tx body returns.
type Pipe interface {
	ListPush(ctx context.Context, key, value string)
	Delete(ctx context.Context, keys ...string)
}

const holderSuffix = "_user_list"

// Namespace derives store keys from resource identifiers. All clients
// sharing the store must use the same namespace to interoperate.
type Namespace string

// LockKey returns the scalar lock key for a resource.
func (n Namespace) LockKey(resource string) string {
	return string(n) + resource
}

// HolderKey returns the inclusive holder-list key for a resource.
func (n Namespace) HolderKey(resource string) string {
	return n.LockKey(resource) + holderSuffix
}

// Prefix returns the namespace prefix shared by every derived key.
func (n Namespace) Prefix() string {
	return string(n)
}

// IsHolderKey reports whether key names a holder list rather than a lock.
func (n Namespace) IsHolderKey(key string) bool {
	return strings.HasSuffix(key, holderSuffix)
}

// Resource recovers the resource identifier from a lock or holder key.
func (n Namespace) Resource(key string) string {
	key = strings.TrimPrefix(key, string(n))
	return strings.TrimSuffix(key, holderSuffix)
}
