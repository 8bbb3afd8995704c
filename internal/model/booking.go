package model

import "time"

// BookingStatus は予約のステータスです
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusNoShow    BookingStatus = "no_show"
	BookingStatusCheckedIn BookingStatus = "checked_in"
)

// bookingTransitions はステータス遷移表です。ここにない遷移はすべて拒否します
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCheckedIn, BookingStatusNoShow, BookingStatusCancelled},
}

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCancelled,
		BookingStatusNoShow, BookingStatusCheckedIn:
		return true
	}
	return false
}

func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal は以降の遷移がないステータスかを返します
func (s BookingStatus) IsTerminal() bool {
	return s.Valid() && len(bookingTransitions[s]) == 0
}

// OccupiesCapacity はそのステータスの予約が定員を消費するかを返します
func (s BookingStatus) OccupiesCapacity() bool {
	return s.Valid() && s != BookingStatusCancelled
}

// Booking は特定日の時間枠に対する予約です
// 監査のため削除はせず、ステータス遷移のみで更新します
type Booking struct {
	ID                 string        `db:"id" json:"id"`
	SlotID             string        `db:"slot_id" json:"slot_id"`
	BookingDate        Date          `db:"booking_date" json:"booking_date"`
	InvitationID       *string       `db:"invitation_id" json:"invitation_id,omitempty"`
	VisitorCount       int           `db:"visitor_count" json:"visitor_count"`
	Status             BookingStatus `db:"status" json:"status"`
	Notes              string        `db:"notes" json:"notes,omitempty"`
	BookedBy           string        `db:"booked_by" json:"booked_by"`
	BookedOn           time.Time     `db:"booked_on" json:"booked_on"`
	CancelledBy        *string       `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledOn        *time.Time    `db:"cancelled_on" json:"cancelled_on,omitempty"`
	CancellationReason *string       `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CheckedInOn        *time.Time    `db:"checked_in_on" json:"checked_in_on,omitempty"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

func (b Booking) Key() OccurrenceKey {
	return OccurrenceKey{SlotID: b.SlotID, Date: b.BookingDate}
}

// BookedCount は定員を消費している予約の人数合計を返します
func BookedCount(bookings []Booking) int {
	total := 0
	for _, b := range bookings {
		if b.Status.OccupiesCapacity() {
			total += b.VisitorCount
		}
	}
	return total
}

// CountByStatus は指定ステータスの予約件数を返します
func CountByStatus(bookings []Booking, status BookingStatus) int {
	n := 0
	for _, b := range bookings {
		if b.Status == status {
			n++
		}
	}
	return n
}
