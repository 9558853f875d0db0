package outbox

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

const maxLastErrorLen = 1024

var errTxRequired = errors.New("transaction required")

// Repository is the outbox store. Writes participate in the caller's
// transaction and never open their own.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Append inserts the envelope as a PENDING entry.
func (r *Repository) Append(tx *gorm.DB, envelope EventEnvelope) (*models.OutboxEvent, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	if envelope.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "envelope is required")
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return nil, err
	}
	row := models.OutboxEvent{
		ID:            envelope.ID(),
		EventType:     envelope.Type(),
		AggregateType: envelope.AggregateType(),
		AggregateID:   envelope.AggregateID(),
		Payload:       payload,
		Status:        enums.OutboxStatusPending,
		OccurredAt:    envelope.OccurredAt(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// FetchPending locks up to limit PENDING entries in insertion order. Rows locked by
// another relay are skipped. An entry is only returned once every older entry of
// its aggregate is SENT or in the same batch, so a FAILED entry holds back the
// rest of its aggregate until an operator requeues it.
func (r *Repository) FetchPending(tx *gorm.DB, limit int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxEvent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", enums.OutboxStatusPending).
		Where(`NOT EXISTS (
			SELECT 1 FROM outbox_events AS prior
			WHERE prior.aggregate_id = outbox_events.aggregate_id
				AND prior.seq < outbox_events.seq
				AND prior.status = ?)`, enums.OutboxStatusFailed).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return rows, err
	}
	return withoutBlocked(tx, rows)
}

// withoutBlocked drops the entries of any aggregate whose oldest unsent entry
// is not in rows, typically because another relay holds it locked.
func withoutBlocked(tx *gorm.DB, rows []models.OutboxEvent) ([]models.OutboxEvent, error) {
	aggregates := make([]uuid.UUID, 0, len(rows))
	first := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		if _, ok := first[row.AggregateID]; !ok {
			first[row.AggregateID] = row.Seq
			aggregates = append(aggregates, row.AggregateID)
		}
	}

	var heads []struct {
		AggregateID uuid.UUID
		Seq         int64
	}
	err := tx.Model(&models.OutboxEvent{}).
		Select("aggregate_id, MIN(seq) AS seq").
		Where("status <> ? AND aggregate_id IN ?", enums.OutboxStatusSent, aggregates).
		Group("aggregate_id").
		Scan(&heads).Error
	if err != nil {
		return nil, err
	}
	blocked := make(map[uuid.UUID]bool, len(heads))
	for _, head := range heads {
		if head.Seq < first[head.AggregateID] {
			blocked[head.AggregateID] = true
		}
	}
	if len(blocked) == 0 {
		return rows, nil
	}

	out := rows[:0]
	for _, row := range rows {
		if !blocked[row.AggregateID] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *Repository) MarkSent(tx *gorm.DB, id uuid.UUID) error {
	if tx == nil {
		return errTxRequired
	}
	now := time.Now().UTC()
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.OutboxStatusSent,
			"published_at": now,
		}).Error
}

// RecordAttempt stores a failed publish attempt and leaves the entry PENDING.
func (r *Repository) RecordAttempt(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error {
	if tx == nil {
		return errTxRequired
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count": attempts,
			"last_error":    errorText(cause),
		}).Error
}

// MarkFailed parks the entry until an operator requeues it.
func (r *Repository) MarkFailed(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error {
	if tx == nil {
		return errTxRequired
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.OutboxStatusFailed,
			"attempt_count": attempts,
			"last_error":    errorText(cause),
		}).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "outbox entry not found")
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.OutboxStatusFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Requeue moves a FAILED entry back to PENDING with a fresh attempt budget.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusFailed).
		Updates(map[string]any{
			"status":        enums.OutboxStatusPending,
			"attempt_count": 0,
			"last_error":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only FAILED entries can be requeued")
	}
	return nil
}

// DeleteSentBefore removes SENT entries published before cutoff, at most
// limit rows per call. PENDING and FAILED rows are never touched.
func (r *Repository) DeleteSentBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	if tx == nil {
		return 0, errTxRequired
	}
	if limit <= 0 {
		limit = 1000
	}
	ids := tx.Model(&models.OutboxEvent{}).
		Select("id").
		Where("status = ? AND published_at < ?", enums.OutboxStatusSent, cutoff).
		Order("published_at ASC").
		Limit(limit)
	res := tx.Where("id IN (?)", ids).Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := truncateText(err.Error(), maxLastErrorLen)
	return &msg
}

// truncateText replaces invalid sequences and caps s at limit bytes without
// splitting a rune. Postgres rejects malformed UTF-8 in text columns.
func truncateText(s string, limit int) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
