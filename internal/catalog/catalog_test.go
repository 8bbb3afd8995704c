package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/repository/memory"
)

func slot(id string, order int, start string, days model.Weekdays, active bool) model.TimeSlotDefinition {
	s := model.MustTimeOfDay(start)
	return model.TimeSlotDefinition{
		ID:           id,
		Name:         id,
		StartTime:    s,
		EndTime:      s + 60,
		MaxVisitors:  10,
		ActiveDays:   days,
		DisplayOrder: order,
		IsActive:     active,
	}
}

func TestListActiveForDate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	c := New(store)

	weekdays := model.NewWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	for _, def := range []model.TimeSlotDefinition{
		slot("afternoon", 2, "13:00", weekdays, true),
		slot("morning", 1, "10:00", weekdays, true),
		slot("early", 1, "09:00", weekdays, true),
		slot("weekend", 0, "10:00", model.NewWeekdays(time.Saturday, time.Sunday), true),
		slot("retired", 0, "08:00", model.AllWeekdays, false),
	} {
		if err := c.Save(ctx, def); err != nil {
			t.Fatalf("failed to save %s: %v", def.ID, err)
		}
	}

	tests := []struct {
		name     string
		date     model.Date
		expected []string
	}{
		{
			name:     "平日は表示順・開始時刻順",
			date:     model.Date{Year: 2026, Month: time.October, Day: 19},
			expected: []string{"early", "morning", "afternoon"},
		},
		{
			name:     "土曜日は週末枠のみ",
			date:     model.Date{Year: 2026, Month: time.October, Day: 24},
			expected: []string{"weekend"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := c.ListActiveForDate(ctx, tt.date)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(defs) != len(tt.expected) {
				t.Fatalf("expected %d slots, got %d", len(tt.expected), len(defs))
			}
			for i, id := range tt.expected {
				if defs[i].ID != id {
					t.Errorf("defs[%d]: expected %s, got %s", i, id, defs[i].ID)
				}
			}
		})
	}
}

func TestSaveRejectsInvalidDefinition(t *testing.T) {
	c := New(memory.NewStore())

	def := slot("broken", 0, "10:00", model.AllWeekdays, true)
	def.EndTime = def.StartTime

	if err := c.Save(context.Background(), def); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	c := New(memory.NewStore())

	if err := c.Save(ctx, slot("morning", 0, "10:00", model.AllWeekdays, true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Deactivate(ctx, "morning"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def, err := c.GetDefinition(ctx, "morning")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.IsActive {
		t.Error("expected slot to be inactive")
	}

	if err := c.Deactivate(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.GetDefinition(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
