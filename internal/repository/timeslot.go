package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// TimeSlotRepository は時間枠定義の永続化を担当するインターフェースです
type TimeSlotRepository interface {
	GetTimeSlot(ctx context.Context, id string) (model.TimeSlotDefinition, error)
	ListTimeSlots(ctx context.Context) ([]model.TimeSlotDefinition, error)
	SaveTimeSlot(ctx context.Context, def model.TimeSlotDefinition) error
	DeactivateTimeSlot(ctx context.Context, id string) error
}

// TimeSlotRepositoryImpl はTimeSlotRepositoryのPostgreSQL実装です
type TimeSlotRepositoryImpl struct {
	db *DB
}

// NewTimeSlotRepository は新しいTimeSlotRepositoryを作成します
func NewTimeSlotRepository(db *DB) *TimeSlotRepositoryImpl {
	return &TimeSlotRepositoryImpl{db: db}
}

const timeSlotColumns = `
	id, name, start_time, end_time, max_visitors, active_days, location_id,
	buffer_minutes, display_order, is_active, created_at, updated_at`

// GetTimeSlot は指定されたIDの時間枠定義を取得します
func (r *TimeSlotRepositoryImpl) GetTimeSlot(ctx context.Context, id string) (model.TimeSlotDefinition, error) {
	ctx, seg := tracing.Subsegment(ctx, "TimeSlotRepository.GetTimeSlot")
	defer seg.Close(nil)

	query := `SELECT` + timeSlotColumns + `
		FROM time_slots
		WHERE id = $1`

	var def model.TimeSlotDefinition
	if err := r.db.GetContext(ctx, &def, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TimeSlotDefinition{}, fmt.Errorf("time slot %s: %w", id, model.ErrNotFound)
		}
		seg.Close(err)
		return model.TimeSlotDefinition{}, fmt.Errorf("failed to get time slot: %w", err)
	}

	return def, nil
}

// ListTimeSlots は無効化されたものも含めてすべての時間枠定義を表示順で取得します
func (r *TimeSlotRepositoryImpl) ListTimeSlots(ctx context.Context) ([]model.TimeSlotDefinition, error) {
	ctx, seg := tracing.Subsegment(ctx, "TimeSlotRepository.ListTimeSlots")
	defer seg.Close(nil)

	query := `SELECT` + timeSlotColumns + `
		FROM time_slots
		ORDER BY display_order ASC, start_time ASC, id ASC`

	var defs []model.TimeSlotDefinition
	if err := r.db.SelectContext(ctx, &defs, query); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list time slots: %w", err)
	}

	seg.AddMetadata("time_slot_count", len(defs))
	return defs, nil
}

// SaveTimeSlot は時間枠定義を作成または更新します
func (r *TimeSlotRepositoryImpl) SaveTimeSlot(ctx context.Context, def model.TimeSlotDefinition) error {
	ctx, seg := tracing.Subsegment(ctx, "TimeSlotRepository.SaveTimeSlot")
	defer seg.Close(nil)

	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	query := `
		INSERT INTO time_slots (` + timeSlotColumns + `
		) VALUES (
			:id, :name, :start_time, :end_time, :max_visitors, :active_days, :location_id,
			:buffer_minutes, :display_order, :is_active, :created_at, :updated_at
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			max_visitors = EXCLUDED.max_visitors,
			active_days = EXCLUDED.active_days,
			location_id = EXCLUDED.location_id,
			buffer_minutes = EXCLUDED.buffer_minutes,
			display_order = EXCLUDED.display_order,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, def); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to save time slot: %w", err)
	}

	return nil
}

// DeactivateTimeSlot は時間枠定義を無効化します。物理削除は行いません
func (r *TimeSlotRepositoryImpl) DeactivateTimeSlot(ctx context.Context, id string) error {
	ctx, seg := tracing.Subsegment(ctx, "TimeSlotRepository.DeactivateTimeSlot")
	defer seg.Close(nil)

	query := `
		UPDATE time_slots
		SET is_active = FALSE, updated_at = $1
		WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to deactivate time slot: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("time slot %s: %w", id, model.ErrNotFound))
}
