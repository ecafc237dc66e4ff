package runlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kbukum/modelrun/logger"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	locker, err := NewRedis(Config{Enabled: true, Addr: mini.Addr()}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })
	return locker, mini
}

// --- Redis ---

func TestRedis_AcquireIsExclusive(t *testing.T) {
	locker, mini := newTestRedis(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "team-7:nightly", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got, _ := mini.Get("modelrun:lock:team-7:nightly"); got != lease.Token {
		t.Errorf("stored token %q, want %q", got, lease.Token)
	}
	if _, err := locker.Acquire(ctx, "team-7:nightly", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := locker.Acquire(ctx, "team-7:nightly", time.Minute); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}

func TestRedis_ExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	locker, mini := newTestRedis(t)
	ctx := context.Background()

	old, err := locker.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	mini.FastForward(2 * time.Second)

	current, err := locker.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	if err := old.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale Release() error = %v, want ErrNotHeld", err)
	}
	if !mini.Exists("modelrun:lock:k") {
		t.Fatal("stale release must not delete the new holder's key")
	}
	if err := current.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestRedis_Extend(t *testing.T) {
	locker, mini := newTestRedis(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lease.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if ttl := mini.TTL("modelrun:lock:k"); ttl < 30*time.Second {
		t.Errorf("TTL after extend = %v", ttl)
	}
	mini.FastForward(2 * time.Minute)
	if err := lease.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Extend() after expiry error = %v, want ErrNotHeld", err)
	}
}

func TestRedis_CheckHealth(t *testing.T) {
	locker, mini := newTestRedis(t)

	if h := locker.CheckHealth(context.Background()); h.Status != "up" {
		t.Errorf("expected up, got %+v", h)
	}
	mini.Close()
	if h := locker.CheckHealth(context.Background()); h.Status != "down" {
		t.Errorf("expected down after server stop, got %+v", h)
	}
}

// --- Local ---

func TestLocal_AcquireAndExpire(t *testing.T) {
	l := NewLocal()
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := l.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	if err := lease.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale Release() error = %v, want ErrNotHeld", err)
	}
}

func TestNew_DisabledIsLocal(t *testing.T) {
	l, err := New(Config{}, logger.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := l.(*Local); !ok {
		t.Fatalf("expected *Local, got %T", l)
	}
}
