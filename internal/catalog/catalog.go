// Package catalog は時間枠定義の参照と管理を行います
package catalog

import (
	"context"
	"fmt"

	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
)

// Catalog は時間枠定義の読み取りと管理者向けの更新を提供します
type Catalog struct {
	repo repository.TimeSlotRepository
}

func New(repo repository.TimeSlotRepository) *Catalog {
	return &Catalog{repo: repo}
}

// GetDefinition は時間枠定義を返します。存在しない場合はmodel.ErrNotFoundです
func (c *Catalog) GetDefinition(ctx context.Context, slotID string) (model.TimeSlotDefinition, error) {
	return c.repo.GetTimeSlot(ctx, slotID)
}

// ListActiveForDate は指定日に開講している有効な時間枠を表示順で返します
func (c *Catalog) ListActiveForDate(ctx context.Context, date model.Date) ([]model.TimeSlotDefinition, error) {
	ctx, seg := tracing.Subsegment(ctx, "Catalog.ListActiveForDate")
	defer seg.Close(nil)

	defs, err := c.repo.ListTimeSlots(ctx)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list time slots: %w", err)
	}

	weekday := date.Weekday()
	active := make([]model.TimeSlotDefinition, 0, len(defs))
	for _, def := range defs {
		if def.IsActive && def.ActiveDays.Contains(weekday) {
			active = append(active, def)
		}
	}
	return active, nil
}

// Save は定義を検証してから保存します
func (c *Catalog) Save(ctx context.Context, def model.TimeSlotDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return c.repo.SaveTimeSlot(ctx, def)
}

// Deactivate は時間枠を無効化します。既存の予約はそのまま残ります
func (c *Catalog) Deactivate(ctx context.Context, slotID string) error {
	return c.repo.DeactivateTimeSlot(ctx, slotID)
}
