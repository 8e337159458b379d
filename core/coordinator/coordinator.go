package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/labcoord/labcoord/core/infra/logging"
	"github.com/labcoord/labcoord/core/infra/metrics"
	"github.com/labcoord/labcoord/core/infra/store"
)

// Mode controls whether a lock is held exclusively or shared between users.
type Mode string

const (
	// ModeExclusive grants a single identity sole use of a resource.
	ModeExclusive Mode = "exclusive"
	// ModeInclusive grants shared use; any number of identities may hold
	// the same resource as long as nobody holds it exclusively.
	ModeInclusive Mode = "inclusive"
)

const (
	inclusiveSentinel = "inclusive_locked"
	exclusiveSuffix   = "_exclusive_locked"

	component = "coordinator"

	defaultRetryInterval = 5 * time.Second
)

// ErrNotHeld reports a release for a resource the caller did not hold.
var ErrNotHeld = errors.New("lock not held")

// ResourceState is one resource's lock state as seen by Inspect.
type ResourceState struct {
	Resource string
	Mode     Mode
	Owner    string   // exclusive owner, empty for inclusive locks
	Holders  []string // inclusive holders, empty for exclusive locks
}

// Options configures a Coordinator.
type Options struct {
	Namespace     store.Namespace
	Identity      string
	RetryInterval time.Duration
	Metrics       metrics.Metrics
}

// Coordinator serializes access to named servers through a shared store.
// All coordination happens against the store; a Coordinator holds no
// background state and is safe to use from any number of processes.
type Coordinator struct {
	store    store.Store
	ns       store.Namespace
	identity string
	interval time.Duration
	metrics  metrics.Metrics
}

// New constructs a Coordinator bound to one identity.
func New(st store.Store, opts Options) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("store required")
	}
	identity := strings.TrimSpace(opts.Identity)
	if identity == "" {
		return nil, errors.New("identity required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("namespace required")
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Coordinator{
		store:    st,
		ns:       opts.Namespace,
		identity: identity,
		interval: interval,
		metrics:  m,
	}, nil
}

// Identity returns the principal this coordinator acts as.
func (c *Coordinator) Identity() string {
	return c.identity
}

// TryAcquire attempts to lock every given server in one all-or-nothing
// call. Servers are processed in sorted order; on the first conflict the
// locks taken so far are rolled back and false is returned. The rollback
// is compensating, not atomic, so an observer may see partial state while
// the call is in flight.
func (c *Coordinator) TryAcquire(ctx context.Context, servers []string, mode Mode) (bool, error) {
	sorted, err := normalize(servers, mode)
	if err != nil {
		return false, err
	}

	var ok bool
	switch mode {
	case ModeExclusive:
		ok, err = c.tryAcquireExclusive(ctx, sorted)
	default:
		ok, err = c.tryAcquireInclusive(ctx, sorted)
	}
	c.metrics.IncAcquire(string(mode), outcome(ok, err))
	return ok, err
}

// Acquire blocks until TryAcquire succeeds, polling at a fixed interval.
// There is no timeout and no backoff; cancel the context (or terminate the
// process) to abort.
func (c *Coordinator) Acquire(ctx context.Context, servers []string, mode Mode) error {
	for {
		ok, err := c.TryAcquire(ctx, servers, mode)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

// Release unlocks the given servers. A server the caller does not hold is
// reported as an ErrNotHeld mismatch; the remaining servers are still
// processed and nothing already released is rolled back.
func (c *Coordinator) Release(ctx context.Context, servers []string, mode Mode) error {
	sorted, err := normalize(servers, mode)
	if err != nil {
		return err
	}

	var errs []error
	for _, server := range sorted {
		var err error
		switch mode {
		case ModeExclusive:
			err = c.releaseExclusiveOne(ctx, server)
		default:
			err = c.releaseInclusiveOne(ctx, server)
		}
		if err != nil {
			if errors.Is(err, ErrNotHeld) {
				logging.Error(component, "failed to unlock", "server", server, "identity", c.identity)
				c.metrics.IncReleaseMismatch(string(mode))
			}
			errs = append(errs, err)
			continue
		}
	}
	err = errors.Join(errs...)
	c.metrics.IncRelease(string(mode), outcome(err == nil, err))
	return err
}

// Inspect lists the lock state of every resource in the namespace, across
// all identities. It is a best-effort snapshot, not a consistent view.
func (c *Coordinator) Inspect(ctx context.Context) ([]ResourceState, error) {
	keys, err := c.store.ScanKeys(ctx, c.ns.Prefix())
	if err != nil {
		return nil, err
	}

	states := make(map[string]ResourceState)
	var holderOnly []string
	for _, key := range keys {
		resource := c.ns.Resource(key)
		if c.ns.IsHolderKey(key) {
			holderOnly = append(holderOnly, resource)
			continue
		}
		val, err := c.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue // released while scanning
		}
		if err != nil {
			return nil, err
		}
		if val == inclusiveSentinel {
			holders, err := c.store.ListRange(ctx, c.ns.HolderKey(resource))
			if err != nil {
				return nil, err
			}
			states[resource] = ResourceState{Resource: resource, Mode: ModeInclusive, Holders: holders}
			continue
		}
		states[resource] = ResourceState{
			Resource: resource,
			Mode:     ModeExclusive,
			Owner:    strings.TrimSuffix(val, exclusiveSuffix),
		}
	}

	// Holder lists whose lock key is gone are orphans left by a crash
	// between acquisition steps; surface them rather than hiding them.
	for _, resource := range holderOnly {
		if _, seen := states[resource]; seen {
			continue
		}
		holders, err := c.store.ListRange(ctx, c.ns.HolderKey(resource))
		if err != nil {
			return nil, err
		}
		if len(holders) == 0 {
			continue
		}
		states[resource] = ResourceState{Resource: resource, Mode: ModeInclusive, Holders: holders}
	}

	out := make([]ResourceState, 0, len(states))
	for _, state := range states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// ClearAll deletes every key in the namespace regardless of who holds the
// locks. It exists for operator recovery after a crashed client left
// orphaned state; it is unsafe for routine use.
func (c *Coordinator) ClearAll(ctx context.Context) (int64, error) {
	keys, err := c.store.ScanKeys(ctx, c.ns.Prefix())
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.store.Delete(ctx, keys...)
	if err != nil {
		return 0, err
	}
	logging.Info(component, "cleared all locks", "keys", n, "identity", c.identity)
	return n, nil
}

func (c *Coordinator) tryAcquireExclusive(ctx context.Context, servers []string) (bool, error) {
	var acquired []string
	for _, server := range servers {
		key := c.ns.LockKey(server)
		created, err := c.store.SetIfAbsent(ctx, key, c.identity+exclusiveSuffix)
		if err != nil {
			c.rollbackKeys(ctx, acquired)
			return false, err
		}
		if !created {
			c.rollbackKeys(ctx, acquired)
			return false, nil
		}
		acquired = append(acquired, key)
	}
	return true, nil
}

func (c *Coordinator) tryAcquireInclusive(ctx context.Context, servers []string) (bool, error) {
	var acquired []string
	for _, server := range servers {
		ok, err := c.acquireInclusiveOne(ctx, server)
		if err != nil {
			c.rollbackInclusive(ctx, acquired)
			return false, err
		}
		if !ok {
			c.rollbackInclusive(ctx, acquired)
			return false, nil
		}
		acquired = append(acquired, server)
	}
	return true, nil
}

// acquireInclusiveOne implements the single-resource inclusive protocol.
// The unlocked fast path creates the lock key and pushes the holder as two
// separate operations; a crash in between leaves a lock with no holders.
// That matches the established wire protocol and is recoverable through
// ClearAll.
func (c *Coordinator) acquireInclusiveOne(ctx context.Context, server string) (bool, error) {
	lockKey := c.ns.LockKey(server)
	holderKey := c.ns.HolderKey(server)

	created, err := c.store.SetIfAbsent(ctx, lockKey, inclusiveSentinel)
	if err != nil {
		return false, err
	}
	if created {
		if err := c.store.ListPush(ctx, holderKey, c.identity); err != nil {
			return false, err
		}
		return true, nil
	}

	var acquired bool
	err = c.store.Atomic(ctx, func(tx store.Tx) error {
		val, err := tx.Get(ctx, lockKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if val != inclusiveSentinel {
			// Exclusively locked, or gone since the SetIfAbsent attempt.
			acquired = false
			return nil
		}
		acquired = true
		return tx.Pipelined(ctx, func(p store.Pipe) error {
			p.ListPush(ctx, holderKey, c.identity)
			return nil
		})
	}, lockKey, holderKey)
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (c *Coordinator) releaseExclusiveOne(ctx context.Context, server string) error {
	n, err := c.store.Delete(ctx, c.ns.LockKey(server))
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", server, ErrNotHeld)
	}
	return nil
}

func (c *Coordinator) releaseInclusiveOne(ctx context.Context, server string) error {
	lockKey := c.ns.LockKey(server)
	holderKey := c.ns.HolderKey(server)

	n, err := c.store.ListRemoveOne(ctx, holderKey, c.identity)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", server, ErrNotHeld)
	}

	return c.store.Atomic(ctx, func(tx store.Tx) error {
		length, err := tx.ListLength(ctx, holderKey)
		if err != nil {
			return err
		}
		if length != 0 {
			return nil
		}
		return tx.Pipelined(ctx, func(p store.Pipe) error {
			p.Delete(ctx, lockKey)
			return nil
		})
	}, lockKey, holderKey)
}

// rollbackKeys compensates a partial exclusive acquisition. Best effort: a
// store failure here leaves orphans that only ClearAll can recover.
func (c *Coordinator) rollbackKeys(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if _, err := c.store.Delete(ctx, keys...); err != nil {
		logging.Error(component, "rollback failed", "keys", strings.Join(keys, ","), "err", err)
	}
}

// rollbackInclusive compensates a partial inclusive acquisition.
func (c *Coordinator) rollbackInclusive(ctx context.Context, servers []string) {
	for _, server := range servers {
		if err := c.releaseInclusiveOne(ctx, server); err != nil {
			logging.Error(component, "rollback failed", "server", server, "err", err)
		}
	}
}

// normalize validates the request and returns the servers in the fixed
// order every caller uses, which keeps acquisition order consistent and
// reduces deadlock risk between callers locking overlapping sets.
func normalize(servers []string, mode Mode) ([]string, error) {
	if len(servers) == 0 {
		return nil, errors.New("no servers given")
	}
	if mode != ModeExclusive && mode != ModeInclusive {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	sorted := make([]string, 0, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			return nil, errors.New("empty server id")
		}
		sorted = append(sorted, server)
	}
	sort.Strings(sorted)
	return sorted, nil
}

func outcome(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "ok"
	default:
		return "conflict"
	}
}
