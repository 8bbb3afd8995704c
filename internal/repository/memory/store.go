// Package memory はリポジトリのインメモリ実装です。ローカル実行とテストで使います
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
)

// Store はすべてのリポジトリインターフェースを1つのミューテックスで実装します
type Store struct {
	mu       sync.Mutex
	slots    map[string]model.TimeSlotDefinition
	bookings map[string]model.Booking
	// 予約の作成順。LoadBookingsの並び順に使う
	bookingOrder []string
	rules        []model.EscalationRule
	alerts       map[string]model.NotificationAlert
	alertOrder   []string

	now func() time.Time
}

var (
	_ repository.TimeSlotRepository       = (*Store)(nil)
	_ repository.BookingRepository        = (*Store)(nil)
	_ repository.EscalationRuleRepository = (*Store)(nil)
	_ repository.AlertRepository          = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		slots:    make(map[string]model.TimeSlotDefinition),
		bookings: make(map[string]model.Booking),
		alerts:   make(map[string]model.NotificationAlert),
		now:      time.Now,
	}
}

// SetRules はエスカレーションルールを置き換えます
func (s *Store) SetRules(rules ...model.EscalationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]model.EscalationRule(nil), rules...)
}

func (s *Store) GetTimeSlot(ctx context.Context, id string) (model.TimeSlotDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.slots[id]
	if !ok {
		return model.TimeSlotDefinition{}, fmt.Errorf("time slot %s: %w", id, model.ErrNotFound)
	}
	return def, nil
}

func (s *Store) ListTimeSlots(ctx context.Context) ([]model.TimeSlotDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]model.TimeSlotDefinition, 0, len(s.slots))
	for _, def := range s.slots {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].DisplayOrder != defs[j].DisplayOrder {
			return defs[i].DisplayOrder < defs[j].DisplayOrder
		}
		if defs[i].StartTime != defs[j].StartTime {
			return defs[i].StartTime < defs[j].StartTime
		}
		return defs[i].ID < defs[j].ID
	})
	return defs, nil
}

func (s *Store) SaveTimeSlot(ctx context.Context, def model.TimeSlotDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.slots[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.slots[def.ID] = def
	return nil
}

func (s *Store) DeactivateTimeSlot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("time slot %s: %w", id, model.ErrNotFound)
	}
	def.IsActive = false
	def.UpdatedAt = s.now()
	s.slots[id] = def
	return nil
}

func (s *Store) LoadBookings(ctx context.Context, slotID string, date model.Date) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bookings []model.Booking
	for _, id := range s.bookingOrder {
		b := s.bookings[id]
		if b.SlotID == slotID && b.BookingDate == date {
			bookings = append(bookings, b)
		}
	}
	return bookings, nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, fmt.Errorf("booking %s: %w", id, model.ErrNotFound)
	}
	return b, nil
}

func (s *Store) InsertBooking(ctx context.Context, booking model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookings[booking.ID]; ok {
		return fmt.Errorf("failed to insert booking: duplicate id %s", booking.ID)
	}
	s.bookings[booking.ID] = booking
	s.bookingOrder = append(s.bookingOrder, booking.ID)
	return nil
}

func (s *Store) UpdateBookingStatus(ctx context.Context, booking model.Booking, from model.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.bookings[booking.ID]
	if !ok {
		return fmt.Errorf("booking %s: %w", booking.ID, model.ErrNotFound)
	}
	if current.Status != from {
		return model.StatusChangedError(booking.ID, current.Status, booking.Status)
	}
	current.Status = booking.Status
	current.CancelledBy = booking.CancelledBy
	current.CancelledOn = booking.CancelledOn
	current.CancellationReason = booking.CancellationReason
	current.CheckedInOn = booking.CheckedInOn
	current.UpdatedAt = booking.UpdatedAt
	s.bookings[booking.ID] = current
	return nil
}

func (s *Store) ListBookingsByStatus(ctx context.Context, status model.BookingStatus, from, to model.Date) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bookings []model.Booking
	for _, id := range s.bookingOrder {
		b := s.bookings[id]
		if b.Status != status || b.BookingDate.Before(from) || b.BookingDate.After(to) {
			continue
		}
		bookings = append(bookings, b)
	}
	sort.SliceStable(bookings, func(i, j int) bool {
		return bookings[i].BookingDate.Before(bookings[j].BookingDate)
	})
	return bookings, nil
}

// WithOccurrenceLock はfnをそのまま実行します
// 単一プロセス内でしか共有されないため、排他は呼び出し側のプロセス内ロックに任せます
func (s *Store) WithOccurrenceLock(ctx context.Context, key string, timeout time.Duration, fn func(bookings repository.BookingRepository) error) error {
	return fn(s)
}

func (s *Store) LoadEnabledRules(ctx context.Context) ([]model.EscalationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rules []model.EscalationRule
	for _, r := range s.rules {
		if r.IsEnabled {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// InsertAlertIfAbsent は確認と挿入を同じロック内で行います
func (s *Store) InsertAlertIfAbsent(ctx context.Context, alert model.NotificationAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alert.DedupeKey()
	for _, id := range s.alertOrder {
		existing := s.alerts[id]
		if existing.DedupeKey() != key || existing.IsAcknowledged || existing.IsExpired(alert.CreatedOn) {
			continue
		}
		return false, nil
	}
	s.alerts[alert.ID] = alert
	s.alertOrder = append(s.alertOrder, alert.ID)
	return true, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (model.NotificationAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return model.NotificationAlert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	return a, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id, userID string, at time.Time) (model.NotificationAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return model.NotificationAlert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	if a.IsAcknowledged {
		return a, model.ErrAlreadyAcknowledged
	}
	a.IsAcknowledged = true
	a.AcknowledgedBy = &userID
	a.AcknowledgedOn = &at
	s.alerts[id] = a
	return a, nil
}

func (s *Store) ListActiveAlerts(ctx context.Context, filter repository.AlertFilter, now time.Time) ([]model.NotificationAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []model.NotificationAlert
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		a := s.alerts[s.alertOrder[i]]
		if a.IsAcknowledged || a.IsExpired(now) {
			continue
		}
		if (filter.UserID != "" || filter.Role != "") && !a.IsVisibleTo(filter.UserID, filter.Role) {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
