package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("UNIQUE constraint failed: schedules.name"), false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{errors.New("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("enqueue message msg_1: %w", errors.New("database is locked")), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked")
	tests := []struct {
		name       string
		maxRetries int
		failFirst  int
		failWith   error
		wantCalls  int
		wantErr    bool
	}{
		{"succeeds first time", 3, 0, nil, 1, false},
		{"non-busy error is not retried", 3, 10, errors.New("no such table: tasks"), 1, true},
		{"busy then success", 3, 2, locked, 3, false},
		{"retries exhausted", 2, 10, locked, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tt.maxRetries, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancellation after one call, got err=%v calls=%d", err, calls)
	}
}
