// Package deadletter stores and replays messages a consumer handler gave up on.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
)

// DecoderHandler is the handler name recorded for messages that never
// decoded into an envelope.
const DecoderHandler = "decoder"

// undecodableNamespace keys undecodable bodies so redeliveries of the same
// bytes refresh one row.
var undecodableNamespace = uuid.MustParse("6f1c2b7e-3d4a-4c55-9b1e-8f0a2d6c4e13")

// Entry is a failed (envelope, handler) pair.
type Entry struct {
	Envelope    outbox.EventEnvelope
	HandlerName string
	Reason      enums.DeadLetterReason
	Err         error
	Attempts    int
}

// Undecodable describes a bus message that was not a valid envelope.
type Undecodable struct {
	Body       []byte
	Attributes map[string]string
	Err        error
}

type repository interface {
	UpsertTx(tx *gorm.DB, entry *models.DeadLetter) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)
	List(ctx context.Context, filter outbox.ListFilter, limit int) ([]models.DeadLetter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Redeliverer re-enters a single handler with a stored envelope.
type Redeliverer interface {
	Redeliver(ctx context.Context, envelope outbox.EventEnvelope, handlerName string) error
}

type Service struct {
	repo        repository
	db          txRunner
	logg        *logger.Logger
	redeliverer Redeliverer
}

func NewService(repo repository, db txRunner, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("dead letter repository required")
	}
	if db == nil {
		return nil, errors.New("database client required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Service{repo: repo, db: db, logg: logg}, nil
}

// SetRedeliverer wires the consumer used by Replay. The consumer itself
// captures into this service, so it is attached after both are built.
func (s *Service) SetRedeliverer(r Redeliverer) {
	s.redeliverer = r
}

// Capture stores the failure, refreshing the row for the same event and handler.
func (s *Service) Capture(ctx context.Context, entry Entry) error {
	if entry.Envelope.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "envelope is required")
	}
	if strings.TrimSpace(entry.HandlerName) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "handler name is required")
	}
	if !entry.Reason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid dead letter reason %q", entry.Reason))
	}
	payload, err := entry.Envelope.Marshal()
	if err != nil {
		return err
	}
	row := &models.DeadLetter{
		EventID:       entry.Envelope.ID(),
		HandlerName:   entry.HandlerName,
		EventType:     entry.Envelope.Type(),
		AggregateType: entry.Envelope.AggregateType(),
		AggregateID:   entry.Envelope.AggregateID(),
		Payload:       payload,
		ErrorReason:   entry.Reason,
		ErrorMessage:  errorMessage(entry.Err),
		AttemptCount:  entry.Attempts,
		OccurredAt:    entry.Envelope.OccurredAt(),
	}
	if err := s.store(ctx, row); err != nil {
		return err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":      row.EventID.String(),
		"event_type":    row.EventType,
		"handler":       row.HandlerName,
		"error_reason":  row.ErrorReason,
		"attempt_count": row.AttemptCount,
	})
	s.logg.Error(logCtx, "event dead-lettered", entry.Err)
	return nil
}

// CaptureUndecodable stores a message that could not be parsed under the
// decoder handler. The body is kept as a JSON string when it is not JSON.
func (s *Service) CaptureUndecodable(ctx context.Context, msg Undecodable) error {
	eventID, err := uuid.Parse(msg.Attributes["event_id"])
	if err != nil || eventID == uuid.Nil {
		eventID = uuid.NewSHA1(undecodableNamespace, msg.Body)
	}
	aggregateID, _ := uuid.Parse(msg.Attributes["aggregate_id"])

	payload := json.RawMessage(msg.Body)
	if !json.Valid(msg.Body) {
		quoted, err := json.Marshal(string(msg.Body))
		if err != nil {
			return err
		}
		payload = quoted
	}

	row := &models.DeadLetter{
		EventID:       eventID,
		HandlerName:   DecoderHandler,
		EventType:     enums.OutboxEventType(attributeOr(msg.Attributes, "event_type", "UNKNOWN")),
		AggregateType: enums.OutboxAggregateType(attributeOr(msg.Attributes, "aggregate_type", "unknown")),
		AggregateID:   aggregateID,
		Payload:       payload,
		ErrorReason:   enums.DeadLetterReasonNonRetryable,
		ErrorMessage:  errorMessage(msg.Err),
		AttemptCount:  1,
		OccurredAt:    time.Now().UTC(),
	}
	if err := s.store(ctx, row); err != nil {
		return err
	}
	s.logg.Error(s.logg.WithField(ctx, "event_id", eventID.String()), "undecodable message dead-lettered", msg.Err)
	return nil
}

func (s *Service) store(ctx context.Context, row *models.DeadLetter) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.UpsertTx(tx, row)
	})
}

// List returns the newest failures first.
func (s *Service) List(ctx context.Context, filter outbox.ListFilter, limit int) ([]models.DeadLetter, error) {
	return s.repo.List(ctx, filter, limit)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	return s.repo.FindByID(ctx, id)
}

// Replay redelivers the stored envelope to the handler that failed it.
// Handlers that already applied the event are no-ops through the ledger.
func (s *Service) Replay(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	if s.redeliverer == nil {
		return nil, errors.New("replay is not configured")
	}
	row, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.HandlerName == DecoderHandler {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "undecodable messages cannot be replayed")
	}
	envelope, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "stored envelope is not replayable")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"dead_letter_id": row.ID.String(),
		"event_id":       row.EventID.String(),
		"handler":        row.HandlerName,
	})
	if err := s.redeliverer.Redeliver(ctx, envelope, row.HandlerName); err != nil {
		s.logg.Error(logCtx, "dead letter replay failed", err)
		return nil, err
	}
	if err := s.repo.MarkReplayed(ctx, row.ID); err != nil {
		return nil, err
	}
	s.logg.Info(logCtx, "dead letter replayed")
	return s.repo.FindByID(ctx, row.ID)
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

func attributeOr(attrs map[string]string, key, fallback string) string {
	if v := strings.TrimSpace(attrs[key]); v != "" {
		return v
	}
	return fallback
}
