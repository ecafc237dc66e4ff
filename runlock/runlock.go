// Package runlock keeps two runs of the same schedule from overlapping.
//
// A lock is held through a Lease carrying a random token. Release and
// Extend only act while the token still owns the key, so a lease that
// expired and was taken over by another holder cannot be released twice.
package runlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned by Acquire while another holder owns the key.
var ErrLocked = errors.New("runlock: lock is held")

// ErrNotHeld is returned when a lease no longer owns its key.
var ErrNotHeld = errors.New("runlock: lease no longer held")

// Locker hands out exclusive, expiring leases on keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Close() error
}

// Lease is an acquired lock.
type Lease struct {
	Key   string
	Token string

	release func(ctx context.Context) error
	extend  func(ctx context.Context, ttl time.Duration) error
}

// Release gives the lock up. Returns ErrNotHeld if it had already expired.
func (l *Lease) Release(ctx context.Context) error {
	return l.release(ctx)
}

// Extend resets the lease's time to live.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	return l.extend(ctx, ttl)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

var _ Locker = (*Local)(nil)

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: map[string]localEntry{}, now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}

	return &Lease{
		Key:   key,
		Token: token,
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; !ok || e.token != token || !l.now().Before(e.expires) {
				return ErrNotHeld
			}
			delete(l.held, key)
			return nil
		},
		extend: func(_ context.Context, ttl time.Duration) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			e, ok := l.held[key]
			if !ok || e.token != token || !l.now().Before(e.expires) {
				return ErrNotHeld
			}
			e.expires = l.now().Add(ttl)
			l.held[key] = e
			return nil
		},
	}, nil
}

func (l *Local) Close() error { return nil }
