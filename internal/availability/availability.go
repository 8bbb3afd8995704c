// Package availability は時間枠の空き状況を計算します
// すべて純粋関数で、同じ入力には同じ結果を返します
package availability

import (
	"errors"
	"math"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// 予約不可・満席の理由
const (
	ReasonInactive     = "slot_inactive"
	ReasonWeekday      = "weekday_not_active"
	ReasonPastDate     = "date_in_past"
	ReasonInsideBuffer = "inside_buffer_window"
	ReasonFullyBooked  = "fully_booked"
)

// DateIsBookable は指定日の時間枠が now 時点で予約可能かを判定します
// 今日の判定には now のロケーションを使います
func DateIsBookable(def model.TimeSlotDefinition, date model.Date, now time.Time) error {
	if !def.IsActive {
		return &model.NotBookableError{Reason: ReasonInactive}
	}
	if !def.ActiveDays.Contains(date.Weekday()) {
		return &model.NotBookableError{Reason: ReasonWeekday}
	}
	if date.Before(model.DateOf(now)) {
		return &model.NotBookableError{Reason: ReasonPastDate}
	}
	// バッファが日をまたぐ場合も開始時刻との比較で判定できる
	if now.Add(def.Buffer()).After(def.StartOn(date, now.Location())) {
		return &model.NotBookableError{Reason: ReasonInsideBuffer}
	}
	return nil
}

// Compute は予約済み人数から空き状況を計算します
func Compute(def model.TimeSlotDefinition, date model.Date, booked int, now time.Time) model.AvailabilityView {
	remaining := def.MaxVisitors - booked
	if remaining < 0 {
		remaining = 0
	}

	view := model.AvailabilityView{
		SlotID:              def.ID,
		SlotName:            def.Name,
		Date:                date,
		StartTime:           def.StartTime,
		EndTime:             def.EndTime,
		Capacity:            def.MaxVisitors,
		Booked:              booked,
		Remaining:           remaining,
		OccupancyPercentage: Occupancy(booked, def.MaxVisitors),
	}

	var notBookable *model.NotBookableError
	if err := DateIsBookable(def, date, now); errors.As(err, &notBookable) {
		view.Reason = notBookable.Reason
		return view
	}
	if remaining == 0 {
		view.Reason = ReasonFullyBooked
		return view
	}
	view.IsAvailable = true
	return view
}

// Occupancy は使用率(%)を小数第2位で丸めて返します
func Occupancy(booked, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Round(float64(booked)/float64(capacity)*100*100) / 100
}
