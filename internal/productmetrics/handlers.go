package productmetrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
	"github.com/angelmondragon/commerce-pipeline/pkg/redis"
)

const (
	CounterHandlerName = "product-metrics"
	CacheHandlerName   = "product-metrics-cache"
)

var countedEvents = map[enums.OutboxEventType]struct{}{
	enums.EventProductLiked:     {},
	enums.EventProductUnliked:   {},
	enums.EventProductViewed:    {},
	enums.EventOrderPaid:        {},
	enums.EventPaymentCancelled: {},
}

// CounterHandler folds product and order events into product_metrics.
type CounterHandler struct {
	mutator *Mutator
}

func NewCounterHandler(mutator *Mutator) *CounterHandler {
	if mutator == nil {
		mutator = NewMutator()
	}
	return &CounterHandler{mutator: mutator}
}

func (h *CounterHandler) Name() string { return CounterHandlerName }

func (h *CounterHandler) Handles(eventType enums.OutboxEventType) bool {
	_, ok := countedEvents[eventType]
	return ok
}

// Apply locks each affected product in id order so two orders touching the
// same products cannot deadlock.
func (h *CounterHandler) Apply(ctx context.Context, tx *gorm.DB, envelope outbox.EventEnvelope) error {
	deltas, err := deltasFor(envelope)
	if err != nil {
		return err
	}
	for _, productID := range sortedIDs(deltas) {
		if _, err := h.mutator.Apply(tx, productID, deltas[productID]); err != nil {
			return fmt.Errorf("apply metrics for product %s: %w", productID, err)
		}
	}
	return nil
}

// CacheHandler evicts cached snapshots for products whose counters changed.
type CacheHandler struct {
	cache redis.Cache
}

func NewCacheHandler(cache redis.Cache) *CacheHandler {
	return &CacheHandler{cache: cache}
}

func (h *CacheHandler) Name() string { return CacheHandlerName }

func (h *CacheHandler) Handles(eventType enums.OutboxEventType) bool {
	_, ok := countedEvents[eventType]
	return ok
}

func (h *CacheHandler) Apply(ctx context.Context, _ *gorm.DB, envelope outbox.EventEnvelope) error {
	deltas, err := deltasFor(envelope)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}
	keys := make([]string, 0, len(deltas))
	for _, productID := range sortedIDs(deltas) {
		keys = append(keys, h.cache.ProductMetricsKey(productID.String()))
	}
	if err := h.cache.Del(ctx, keys...); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "evict product metrics cache")
	}
	return nil
}

func deltasFor(envelope outbox.EventEnvelope) (map[uuid.UUID]Delta, error) {
	switch envelope.Type() {
	case enums.EventProductLiked, enums.EventProductUnliked:
		var payload payloads.ProductLikeEvent
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		step := int64(1)
		if envelope.Type() == enums.EventProductUnliked {
			step = -1
		}
		return map[uuid.UUID]Delta{productOrAggregate(payload.ProductID, envelope): {Likes: step}}, nil
	case enums.EventProductViewed:
		var payload payloads.ProductViewedEvent
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		return map[uuid.UUID]Delta{productOrAggregate(payload.ProductID, envelope): {Views: 1}}, nil
	case enums.EventOrderPaid:
		var payload payloads.OrderPaidEvent
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		return salesDeltas(payload.Items.TotalQuantity(), 1), nil
	case enums.EventPaymentCancelled:
		var payload payloads.PaymentCancelledEvent
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		return salesDeltas(payload.Items.TotalQuantity(), -1), nil
	}
	return nil, nil
}

func salesDeltas(quantities map[uuid.UUID]int, sign int64) map[uuid.UUID]Delta {
	out := make(map[uuid.UUID]Delta, len(quantities))
	for productID, qty := range quantities {
		if productID == uuid.Nil {
			continue
		}
		out[productID] = out[productID].Add(Delta{Sales: sign * int64(qty)})
	}
	return out
}

func productOrAggregate(productID uuid.UUID, envelope outbox.EventEnvelope) uuid.UUID {
	if productID != uuid.Nil {
		return productID
	}
	return envelope.AggregateID()
}

func decode(envelope outbox.EventEnvelope, target any) error {
	if err := envelope.DecodePayload(target); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("decode %s payload", envelope.Type()))
	}
	return nil
}

func sortedIDs(deltas map[uuid.UUID]Delta) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
