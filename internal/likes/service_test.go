package likes

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
)

// racingStore simulates a concurrent writer by bumping the stored version
// right before the versioned write, for the first races writes.
type racingStore struct {
	*Repository
	races int
	seen  int
}

func (r *racingStore) UpdateVersioned(tx *gorm.DB, rel *models.LikeRelation) error {
	if r.seen < r.races {
		r.seen++
		if err := tx.Exec("UPDATE like_relations SET version = version + 1 WHERE user_id = ? AND product_id = ?", rel.UserID, rel.ProductID).Error; err != nil {
			return err
		}
	}
	return r.Repository.UpdateVersioned(tx, rel)
}

func newTestService(t *testing.T, store relationStore, reg prometheus.Registerer) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	logg := logger.New(logger.Options{ServiceName: "likes-test", Output: io.Discard})
	if store == nil {
		store = NewRepository()
	}
	svc, err := NewService(ServiceParams{
		DB:                db.Wrap(conn),
		Repository:        store,
		Outbox:            outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:            logg,
		Metrics:           metrics.NewPipelineMetrics(reg),
		OptimisticRetries: 3,
	})
	require.NoError(t, err)
	return svc, conn
}

func eventTypes(t *testing.T, conn *gorm.DB, productID uuid.UUID) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, conn.Where("aggregate_id = ?", productID).Order("seq ASC").Find(&rows).Error)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func TestLikeUnlikeCycle(t *testing.T) {
	svc, conn := newTestService(t, nil, nil)
	ctx := context.Background()
	userID, productID := uuid.New(), uuid.New()

	changed, err := svc.Like(ctx, userID, productID)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = svc.Like(ctx, userID, productID)
	require.NoError(t, err)
	require.False(t, changed, "second like is a no-op")

	changed, err = svc.Unlike(ctx, userID, productID)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = svc.Unlike(ctx, userID, productID)
	require.NoError(t, err)
	require.False(t, changed, "second unlike is a no-op")

	changed, err = svc.Like(ctx, userID, productID)
	require.NoError(t, err)
	require.True(t, changed, "re-like clears deleted_at")

	var rel models.LikeRelation
	require.NoError(t, conn.Where("user_id = ? AND product_id = ?", userID, productID).First(&rel).Error)
	require.True(t, rel.Active())
	require.Equal(t, int64(2), rel.Version)

	require.Equal(t, []enums.OutboxEventType{
		enums.EventProductLiked,
		enums.EventProductUnliked,
		enums.EventProductLiked,
	}, eventTypes(t, conn, productID))
}

func TestUnlikeWithoutLikeEmitsNothing(t *testing.T) {
	svc, conn := newTestService(t, nil, nil)
	productID := uuid.New()

	changed, err := svc.Unlike(context.Background(), uuid.New(), productID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Empty(t, eventTypes(t, conn, productID))
}

func TestToggleRetriesAfterVersionConflict(t *testing.T) {
	store := &racingStore{Repository: NewRepository(), races: 1}
	reg := prometheus.NewRegistry()
	svc, conn := newTestService(t, store, reg)
	ctx := context.Background()
	userID, productID := uuid.New(), uuid.New()

	_, err := svc.Like(ctx, userID, productID)
	require.NoError(t, err)

	changed, err := svc.Unlike(ctx, userID, productID)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, store.seen)

	count, err := testutil.GatherAndCount(reg, "optimistic_lock_conflicts_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Equal(t, []enums.OutboxEventType{
		enums.EventProductLiked,
		enums.EventProductUnliked,
	}, eventTypes(t, conn, productID), "the conflicting attempt leaves no event behind")
}

func TestToggleSurfacesConflictAfterRetries(t *testing.T) {
	store := &racingStore{Repository: NewRepository(), races: 100}
	svc, conn := newTestService(t, store, nil)
	ctx := context.Background()
	userID, productID := uuid.New(), uuid.New()

	_, err := svc.Like(ctx, userID, productID)
	require.NoError(t, err)

	_, err = svc.Unlike(ctx, userID, productID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConcurrentModification), "got %v", err)
	require.Equal(t, 3, store.seen)

	var rel models.LikeRelation
	require.NoError(t, conn.Where("user_id = ? AND product_id = ?", userID, productID).First(&rel).Error)
	require.True(t, rel.Active(), "failed unlike must not be applied")
}

func TestStaleVersionedWriteLoses(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewRepository()
	rel := &models.LikeRelation{UserID: uuid.New(), ProductID: uuid.New()}
	require.NoError(t, repo.Insert(conn, rel))

	first, err := repo.Find(conn, rel.UserID, rel.ProductID)
	require.NoError(t, err)
	second := *first

	require.NoError(t, repo.UpdateVersioned(conn, first))
	err = repo.UpdateVersioned(conn, &second)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConcurrentModification), "got %v", err)
}

func TestConcurrentLikesEmitOnce(t *testing.T) {
	svc, conn := newTestService(t, nil, nil)
	userID, productID := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Like(context.Background(), userID, productID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, []enums.OutboxEventType{enums.EventProductLiked}, eventTypes(t, conn, productID))
}
