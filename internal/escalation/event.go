package escalation

import (
	"math"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/availability"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// EventType は評価のきっかけになった出来事です
type EventType string

const (
	EventBookingCreated   EventType = "booking_created"
	EventBookingCancelled EventType = "booking_cancelled"
	EventBookingNoShow    EventType = "booking_no_show"
	// 定期スイープが確定済み・未チェックインの予約ごとに発行します
	EventCheckInOverdue EventType = "check_in_overdue"
)

// Event は予約台帳の変更(または定期スイープ)を表します
// Bookings は変更後の同じ時間枠・日付のすべての予約です
type Event struct {
	Type       EventType
	Slot       model.TimeSlotDefinition
	Booking    model.Booking
	Bookings   []model.Booking
	OccurredAt time.Time
}

type fact struct {
	value      float64
	entityType string
	entityID   string
}

// facts はイベントから評価できる指標を返します。イベントが提供しない指標はキーがありません
func (e Event) facts() map[string]fact {
	occurrence := func(v float64) fact {
		return fact{value: v, entityType: model.EntityTypeOccurrence, entityID: e.Booking.Key().String()}
	}
	booking := func(v float64) fact {
		return fact{value: v, entityType: model.EntityTypeBooking, entityID: e.Booking.ID}
	}

	loc := e.OccurredAt.Location()
	start := e.Slot.StartOn(e.Booking.BookingDate, loc)
	end := e.Slot.EndOn(e.Booking.BookingDate, loc)
	booked := model.BookedCount(e.Bookings)
	remaining := e.Slot.MaxVisitors - booked
	if remaining < 0 {
		remaining = 0
	}

	facts := make(map[string]fact)
	switch e.Type {
	case EventBookingCreated:
		facts[MetricOccupancy] = occurrence(availability.Occupancy(booked, e.Slot.MaxVisitors))
		facts[MetricRemaining] = occurrence(float64(remaining))
		facts[MetricBooked] = occurrence(float64(booked))
		facts[MetricVisitorCount] = booking(float64(e.Booking.VisitorCount))
	case EventBookingCancelled:
		facts[MetricOccupancy] = occurrence(availability.Occupancy(booked, e.Slot.MaxVisitors))
		facts[MetricRemaining] = occurrence(float64(remaining))
		facts[MetricBooked] = occurrence(float64(booked))
		cancelledOn := e.OccurredAt
		if e.Booking.CancelledOn != nil {
			cancelledOn = *e.Booking.CancelledOn
		}
		facts[MetricCancelLeadMinutes] = booking(minutes(start.Sub(cancelledOn)))
	case EventBookingNoShow:
		facts[MetricNoShowCount] = occurrence(float64(model.CountByStatus(e.Bookings, model.BookingStatusNoShow)))
	case EventCheckInOverdue:
		if e.Booking.Status == model.BookingStatusConfirmed {
			facts[MetricMinutesPastStart] = booking(minutes(e.OccurredAt.Sub(start)))
			facts[MetricMinutesPastEnd] = booking(minutes(e.OccurredAt.Sub(end)))
		}
	}
	return facts
}

func minutes(d time.Duration) float64 {
	return math.Floor(d.Minutes())
}
