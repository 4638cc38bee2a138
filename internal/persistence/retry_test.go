package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("no such table: agents"), false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"wrapped driver busy", fmt.Errorf("claim content: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"message locked", errors.New("database is locked"), true},
		{"message table locked", errors.New("database table is locked"), true},
		{"message code", errors.New("step: SQLITE_BUSY"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	pk := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}
	fk := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}

	if !isUniqueViolation(fmt.Errorf("insert agent: %w", unique)) {
		t.Fatal("wrapped unique violation not detected")
	}
	if !isUniqueViolation(pk) {
		t.Fatal("primary key violation not detected")
	}
	if isUniqueViolation(fk) {
		t.Fatal("foreign key violation reported as unique")
	}
	if !isUniqueViolation(errors.New("UNIQUE constraint failed: content_items.content_id")) {
		t.Fatal("message fallback not detected")
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil reported as unique violation")
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error {
			calls++
			return nil
		})
		if err != nil || calls != 1 {
			t.Fatalf("err=%v calls=%d, want nil and 1", err, calls)
		}
	})

	t.Run("non-busy error is not retried", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error {
			calls++
			return ErrNotFound
		})
		if !errors.Is(err, ErrNotFound) || calls != 1 {
			t.Fatalf("err=%v calls=%d, want ErrNotFound and 1", err, calls)
		}
	})

	t.Run("busy then success", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("err=%v calls=%d, want nil and 3", err, calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 2, func() error {
			calls++
			return busy
		})
		if !isSQLiteBusy(err) {
			t.Fatalf("expected the last busy error, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3 (first attempt plus 2 retries)", calls)
		}
	})

	t.Run("canceled context stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retryOnBusy(ctx, 5, func() error {
			calls++
			cancel()
			return busy
		})
		if !errors.Is(err, context.Canceled) || calls != 1 {
			t.Fatalf("err=%v calls=%d, want context.Canceled and 1", err, calls)
		}
	})
}

func TestBusyDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := busyDelay(attempt)
		if d < 37*time.Millisecond || d > 625*time.Millisecond {
			t.Fatalf("busyDelay(%d) = %v, outside [37.5ms, 625ms)", attempt, d)
		}
	}
}
