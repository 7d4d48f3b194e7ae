package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/storage"
	"calbot/pkg/logx"
)

var t0 = time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC)

func lockers(t *testing.T, clk clock.Clock) map[string]Locker {
	t.Helper()
	st, err := storage.OpenSQLite(storage.Config{Path: filepath.Join(t.TempDir(), "lock.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return map[string]Locker{"memory": NewMemory(clk), "sqlite": NewSQLite(st.DB(), clk)}
}

func TestAcquireExclusiveUntilRelease(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	for name, l := range lockers(t, clk) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g, err := l.Acquire(ctx, "event:1", 30*time.Second)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if _, err := l.Acquire(ctx, "event:1", 30*time.Second); !errors.Is(err, domain.ErrLockUnavailable) {
				t.Fatalf("second Acquire = %v, want ErrLockUnavailable", err)
			}
			other, err := l.Acquire(ctx, "event:2", 30*time.Second)
			if err != nil {
				t.Fatalf("Acquire other key: %v", err)
			}
			_ = other.Release(ctx)

			if err := g.Release(ctx); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if err := g.Release(ctx); err != nil {
				t.Fatalf("second Release: %v", err)
			}
			g2, err := l.Acquire(ctx, "event:1", 30*time.Second)
			if err != nil {
				t.Fatalf("Acquire after release: %v", err)
			}
			_ = g2.Release(ctx)
		})
	}
}

func TestLeaseExpires(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	ls := lockers(t, clk)
	ctx := context.Background()

	stale := map[string]Guard{}
	for name, l := range ls {
		g, err := l.Acquire(ctx, "event:9", 10*time.Second)
		if err != nil {
			t.Fatalf("%s Acquire: %v", name, err)
		}
		stale[name] = g
	}
	clk.Advance(11 * time.Second)

	for name, l := range ls {
		g, err := l.Acquire(ctx, "event:9", 10*time.Second)
		if err != nil {
			t.Fatalf("%s Acquire after expiry: %v", name, err)
		}
		// The expired holder must not release the new owner's lease.
		_ = stale[name].Release(ctx)
		if _, err := l.Acquire(ctx, "event:9", 10*time.Second); !errors.Is(err, domain.ErrLockUnavailable) {
			t.Fatalf("%s: stale release freed the new lease: %v", name, err)
		}
		_ = g.Release(ctx)
	}
}

func TestWithReleasesOnEveryPath(t *testing.T) {
	t.Parallel()
	l := NewMemory(clock.NewFake(t0))
	ctx := context.Background()
	boom := errors.New("boom")

	if err := With(ctx, l, "k", time.Minute, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("With = %v, want boom", err)
	}
	if l.Held("k") {
		t.Fatal("lease held after fn error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = With(ctx, l, "k", time.Minute, func(context.Context) error { panic("x") })
	}()
	if l.Held("k") {
		t.Fatal("lease held after panic")
	}

	g, _ := l.Acquire(ctx, "k", time.Minute)
	ran := false
	err := With(ctx, l, "k", time.Minute, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, domain.ErrLockUnavailable) || ran {
		t.Fatalf("With on held key = %v (ran=%v)", err, ran)
	}
	_ = g.Release(ctx)
}

func TestSQLitePruneExpired(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	st, err := storage.OpenSQLite(storage.Config{Path: filepath.Join(t.TempDir(), "lock.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()
	l := NewSQLite(st.DB(), clk)
	ctx := context.Background()
	if _, err := l.Acquire(ctx, "a", time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "b", time.Hour); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	n, err := l.PruneExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PruneExpired = %d, %v; want 1", n, err)
	}
}
