package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/dbtest"
)

func newLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	ledger, err := NewLedger(conn)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, conn
}

func TestMarkHandledFirstWins(t *testing.T) {
	ledger, conn := newLedger(t)
	eventID := uuid.New()

	if err := ledger.MarkHandled(conn, eventID, "coupon-stats"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := ledger.MarkHandled(conn, eventID, "coupon-stats"); !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("expected ErrAlreadyHandled, got %v", err)
	}
	if err := ledger.MarkHandled(conn, eventID, "product-metrics"); err != nil {
		t.Fatalf("different handler should be independent: %v", err)
	}
}

func TestMarkHandledRollsBackWithTransaction(t *testing.T) {
	ledger, conn := newLedger(t)
	client := db.Wrap(conn)
	eventID := uuid.New()
	ctx := context.Background()

	boom := errors.New("handler failed")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := ledger.MarkHandled(tx, eventID, "h"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	handled, err := ledger.IsHandled(ctx, eventID, "h")
	if err != nil {
		t.Fatalf("is handled: %v", err)
	}
	if handled {
		t.Fatalf("mark must not survive a rolled back transaction")
	}
}

func TestMarkHandledConcurrentClaims(t *testing.T) {
	ledger, conn := newLedger(t)
	client := db.Wrap(conn)
	eventID := uuid.New()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
				return ledger.MarkHandled(tx, eventID, "h")
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrAlreadyHandled) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestLedgerValidation(t *testing.T) {
	ledger, conn := newLedger(t)
	if err := ledger.MarkHandled(nil, uuid.New(), "h"); err == nil {
		t.Fatalf("expected error without transaction")
	}
	if err := ledger.MarkHandled(conn, uuid.Nil, "h"); err == nil {
		t.Fatalf("expected error for nil event id")
	}
	if _, err := ledger.IsHandled(context.Background(), uuid.New(), " "); err == nil {
		t.Fatalf("expected error for blank handler")
	}
	if _, err := NewLedger(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
