package db

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

func TestRetryOnConflictStopsOnSuccess(t *testing.T) {
	calls := 0
	conflicts := 0
	err := RetryOnConflict(context.Background(), 3, func(int) { conflicts++ }, func(context.Context) error {
		calls++
		if calls < 2 {
			return pkgerrors.New(pkgerrors.CodeConcurrentModification, "stale")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 || conflicts != 1 {
		t.Fatalf("expected 2 calls and 1 conflict, got %d and %d", calls, conflicts)
	}
}

func TestRetryOnConflictSurfacesConflictAfterAttempts(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, nil, func(context.Context) error {
		calls++
		return pkgerrors.New(pkgerrors.CodeConcurrentModification, "stale")
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), 5, nil, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected single call returning boom, got %d calls err=%v", calls, err)
	}
}
