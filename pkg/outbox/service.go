package outbox

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
)

// DomainEvent is what a service hands the outbox: Data becomes the envelope
// payload.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Data          any
}

// Emitter appends domain events inside a caller-owned transaction.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (EventEnvelope, error)
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit appends the event in tx. Nothing is published from here: the relay
// sees the entry only once tx commits, and never if it rolls back.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (EventEnvelope, error) {
	if tx == nil {
		return EventEnvelope{}, errTxRequired
	}
	env, err := NewEventEnvelope(event.EventType, event.AggregateType, event.AggregateID, event.Data)
	if err != nil {
		return EventEnvelope{}, err
	}
	if _, err := s.repo.Append(tx, env); err != nil {
		return EventEnvelope{}, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	s.logg.Debug(s.logg.WithEvent(ctx, env.ID().String(), string(env.Type()), env.AggregateID().String()), "outbox event queued")
	return env, nil
}
