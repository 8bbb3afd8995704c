package model

import (
	"fmt"
	"time"
)

// TimeSlotDefinition は予約可能な時間枠の定義です
// 管理者が編集し、予約が参照している間は物理削除せず is_active=false で無効化します
type TimeSlotDefinition struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	StartTime     TimeOfDay `db:"start_time" json:"start_time"`
	EndTime       TimeOfDay `db:"end_time" json:"end_time"`
	MaxVisitors   int       `db:"max_visitors" json:"max_visitors"`
	ActiveDays    Weekdays  `db:"active_days" json:"active_days"`
	LocationID    *string   `db:"location_id" json:"location_id,omitempty"`
	BufferMinutes int       `db:"buffer_minutes" json:"buffer_minutes"`
	DisplayOrder  int       `db:"display_order" json:"display_order"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Validate は時間枠定義の不変条件を検証します
func (d TimeSlotDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: time slot id is required", ErrInvalidArgument)
	}
	if d.EndTime <= d.StartTime {
		return fmt.Errorf("%w: end time %s must be after start time %s", ErrInvalidArgument, d.EndTime, d.StartTime)
	}
	if d.MaxVisitors < 1 {
		return fmt.Errorf("%w: max visitors must be at least 1", ErrInvalidArgument)
	}
	if d.BufferMinutes < 0 {
		return fmt.Errorf("%w: buffer minutes must not be negative", ErrInvalidArgument)
	}
	return nil
}

func (d TimeSlotDefinition) Buffer() time.Duration {
	return time.Duration(d.BufferMinutes) * time.Minute
}

// StartOn は指定日の開始時刻を返します
func (d TimeSlotDefinition) StartOn(date Date, loc *time.Location) time.Time {
	return d.StartTime.On(date, loc)
}

// EndOn は指定日の終了時刻を返します
func (d TimeSlotDefinition) EndOn(date Date, loc *time.Location) time.Time {
	return d.EndTime.On(date, loc)
}

// AvailabilityView は特定日の時間枠の空き状況です
type AvailabilityView struct {
	SlotID              string    `json:"slot_id"`
	SlotName            string    `json:"slot_name"`
	Date                Date      `json:"date"`
	StartTime           TimeOfDay `json:"start_time"`
	EndTime             TimeOfDay `json:"end_time"`
	Capacity            int       `json:"capacity"`
	Booked              int       `json:"booked"`
	Remaining           int       `json:"remaining"`
	IsAvailable         bool      `json:"is_available"`
	OccupancyPercentage float64   `json:"occupancy_percentage"`
	Reason              string    `json:"reason,omitempty"`
}
