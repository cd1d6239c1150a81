// Package lockmanager provides keyed mutual exclusion with TTL expiry.
//
// Locks are ephemeral in-process claims: a holder that crashes is unblocked
// by TTL expiry, swept by a background cleanup worker. Multi-resource
// operations acquire keys in sorted order so two operations touching the
// same accounts can never deadlock.
package lockmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/metrics"
)

// LockInfo describes one held lock.
type LockInfo struct {
	ID         uuid.UUID
	Resource   string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	TTL        time.Duration
}

// Manager is the keyed lock manager.
type Manager struct {
	logger *zap.Logger
	mu     sync.Mutex
	locks  map[string]*LockInfo
	byID   map[uuid.UUID]string

	defaultTTL      time.Duration
	waitTimeout     time.Duration
	cleanupInterval time.Duration
	cleanupTicker   *time.Ticker
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL overrides the default lock TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = ttl }
}

// WithWaitTimeout overrides the bounded wait used by AcquireWait.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.waitTimeout = d }
}

// WithCleanupInterval overrides the expired-lock sweep interval.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) { m.cleanupInterval = d }
}

// NewManager creates a lock manager and starts its cleanup worker.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:          logger.Named("lockmanager"),
		locks:           make(map[string]*LockInfo),
		byID:            make(map[uuid.UUID]string),
		defaultTTL:      30 * time.Second,
		waitTimeout:     30 * time.Second,
		cleanupInterval: 5 * time.Second,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cleanupTicker = time.NewTicker(m.cleanupInterval)
	go m.cleanupWorker()
	return m
}

// Acquire attempts to take the lock for resource without waiting. It fails
// with LOCK_CONFLICT when the resource is held and unexpired.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (uuid.UUID, error) {
	if resource == "" {
		return uuid.Nil, errors.New(errors.KindValidation, "resource cannot be empty")
	}
	if owner == "" {
		return uuid.Nil, errors.New(errors.KindValidation, "owner cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.locks[resource]; exists {
		if now.Before(existing.ExpiresAt) {
			return uuid.Nil, errors.New(errors.KindLockConflict,
				"resource %s is locked by %s until %s", resource, existing.Owner, existing.ExpiresAt.Format(time.RFC3339))
		}
		// Expired: reclaim immediately rather than waiting for the sweep.
		delete(m.byID, existing.ID)
		delete(m.locks, resource)
	}

	lock := &LockInfo{
		ID:         uuid.New(),
		Resource:   resource,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		TTL:        ttl,
	}
	m.locks[resource] = lock
	m.byID[lock.ID] = resource
	metrics.LocksActive.Set(float64(len(m.locks)))

	m.logger.Debug("lock acquired",
		zap.String("lock_id", lock.ID.String()),
		zap.String("resource", resource),
		zap.String("owner", owner),
		zap.Duration("ttl", ttl))

	return lock.ID, nil
}

// AcquireWait takes the lock for resource, waiting up to the manager's
// bounded wait for a conflicting holder to release or expire. It fails with
// LOCK_TIMEOUT when the wait elapses; the caller retries or surfaces the
// error upward, never waits in place unboundedly.
func (m *Manager) AcquireWait(ctx context.Context, resource, owner string, ttl time.Duration) (uuid.UUID, error) {
	deadline := time.Now().Add(m.waitTimeout)
	backoff := 2 * time.Millisecond
	for {
		token, err := m.Acquire(ctx, resource, owner, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.IsKind(err, errors.KindLockConflict) {
			return uuid.Nil, err
		}
		if time.Now().After(deadline) {
			metrics.LockTimeouts.Inc()
			return uuid.Nil, errors.New(errors.KindLockTimeout,
				"timed out after %s waiting for resource %s", m.waitTimeout, resource)
		}
		select {
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release releases a lock by token. Releasing an expired or unknown token
// fails with NOT_FOUND.
func (m *Manager) Release(token uuid.UUID) error {
	if token == uuid.Nil {
		return errors.New(errors.KindValidation, "lock token cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resource, ok := m.byID[token]
	if !ok {
		return errors.New(errors.KindNotFound, "lock %s not found", token)
	}
	lock := m.locks[resource]
	delete(m.byID, token)
	delete(m.locks, resource)
	metrics.LocksActive.Set(float64(len(m.locks)))

	m.logger.Debug("lock released",
		zap.String("lock_id", token.String()),
		zap.String("resource", resource),
		zap.String("owner", lock.Owner))

	return nil
}

// WithLocks acquires every key in deterministic (sorted) order, runs fn, and
// releases all locks on every exit path, including panic. Acquisition of a
// later key releases the earlier ones before failing, so a partial multi-key
// claim never lingers.
func (m *Manager) WithLocks(ctx context.Context, owner string, keys []string, fn func() error) error {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	tokens := make([]uuid.UUID, 0, len(sorted))
	release := func() {
		// Release in reverse acquisition order.
		for i := len(tokens) - 1; i >= 0; i-- {
			if err := m.Release(tokens[i]); err != nil {
				m.logger.Warn("failed to release lock", zap.Error(err))
			}
		}
	}

	for _, key := range sorted {
		token, err := m.AcquireWait(ctx, key, owner, 0)
		if err != nil {
			release()
			return err
		}
		tokens = append(tokens, token)
	}

	defer release()
	return fn()
}

// IsLocked reports whether resource is currently held and unexpired.
func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, exists := m.locks[resource]
	return exists && time.Now().Before(lock.ExpiresAt)
}

// Metrics returns a point-in-time snapshot of lock counts.
func (m *Manager) Metrics() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	active, expired := 0, 0
	for _, lock := range m.locks {
		if now.Before(lock.ExpiresAt) {
			active++
		} else {
			expired++
		}
	}
	return map[string]interface{}{
		"total_locks":   len(m.locks),
		"active_locks":  active,
		"expired_locks": expired,
		"default_ttl":   m.defaultTTL.String(),
	}
}

// Shutdown stops the cleanup worker and drops all locks.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.cleanupTicker.Stop()

		m.mu.Lock()
		defer m.mu.Unlock()
		m.locks = make(map[string]*LockInfo)
		m.byID = make(map[uuid.UUID]string)
		metrics.LocksActive.Set(0)
		m.logger.Info("lock manager shut down")
	})
}

// cleanupWorker periodically removes expired locks.
func (m *Manager) cleanupWorker() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanupExpired()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for resource, lock := range m.locks {
		if now.After(lock.ExpiresAt) {
			delete(m.byID, lock.ID)
			delete(m.locks, resource)
			removed++
		}
	}
	if removed > 0 {
		metrics.LocksActive.Set(float64(len(m.locks)))
		m.logger.Debug("cleaned up expired locks", zap.Int("count", removed))
	}
}
