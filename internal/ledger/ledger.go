// Package ledger は時間枠・日付ごとの予約台帳です
// 同じ(時間枠, 日付)への書き込みはキー単位のロックで直列化し、定員を超える予約を作りません
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-visitor/internal/availability"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/escalation"
	"github.com/uma-arai/sbcntr-visitor/internal/lock"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
	"golang.org/x/sync/errgroup"
)

// SlotSource は時間枠定義の参照先です
type SlotSource interface {
	GetDefinition(ctx context.Context, slotID string) (model.TimeSlotDefinition, error)
	ListActiveForDate(ctx context.Context, date model.Date) ([]model.TimeSlotDefinition, error)
}

// Evaluator はコミット後のイベントを評価します
type Evaluator interface {
	Evaluate(ctx context.Context, event escalation.Event) ([]model.NotificationAlert, error)
}

// Options は台帳の動作設定です。ゼロ値の項目は既定値になります
type Options struct {
	Location     *time.Location
	LockTimeout  time.Duration
	MaxRangeDays int
	Clock        func() time.Time
	NewID        func() string
}

// BookRequest は予約の作成要求です
type BookRequest struct {
	SlotID       string
	Date         model.Date
	VisitorCount int
	RequesterID  string
	InvitationID string
	Notes        string
	// trueの場合は保留状態で作成し、Confirmで確定します
	RequireConfirmation bool
}

type Ledger struct {
	slots        SlotSource
	bookings     repository.BookingRepository
	locker       lock.Locker
	evaluator    Evaluator
	loc          *time.Location
	lockTimeout  time.Duration
	maxRangeDays int
	clock        func() time.Time
	newID        func() string
}

func New(slots SlotSource, bookings repository.BookingRepository, locker lock.Locker, evaluator Evaluator, opts Options) *Ledger {
	l := &Ledger{
		slots:        slots,
		bookings:     bookings,
		locker:       locker,
		evaluator:    evaluator,
		loc:          opts.Location,
		lockTimeout:  opts.LockTimeout,
		maxRangeDays: opts.MaxRangeDays,
		clock:        opts.Clock,
		newID:        opts.NewID,
	}
	if l.locker == nil {
		l.locker = lock.NewKeyedMutex()
	}
	if l.loc == nil {
		l.loc = time.Local
	}
	if l.maxRangeDays <= 0 {
		l.maxRangeDays = 31
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l
}

func (l *Ledger) now() time.Time {
	return l.clock().In(l.loc)
}

// withKeyLock はキーのロックを保持したままfnを実行します
// プロセス内のロックを取った後、ストアのキー単位の排他に入り、fnにはその排他の中で使うリポジトリを渡します
// ロック待ちにだけLockTimeoutを適用します
func (l *Ledger) withKeyLock(ctx context.Context, key model.OccurrenceKey, fn func(bookings repository.BookingRepository) error) error {
	lockCtx := ctx
	if l.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, l.lockTimeout)
		defer cancel()
	}

	unlock, err := l.locker.Lock(lockCtx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	return l.bookings.WithOccurrenceLock(ctx, key.String(), l.lockTimeout, fn)
}

// Book は予約を作成します
func (l *Ledger) Book(ctx context.Context, req BookRequest) (model.Booking, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingLedger.Book")
	defer seg.Close(nil)

	if req.SlotID == "" || req.RequesterID == "" {
		return model.Booking{}, fmt.Errorf("%w: slot id and requester id are required", model.ErrInvalidArgument)
	}
	if req.VisitorCount < 1 {
		return model.Booking{}, fmt.Errorf("%w: visitor count must be at least 1", model.ErrInvalidArgument)
	}

	def, err := l.slots.GetDefinition(ctx, req.SlotID)
	if err != nil {
		return model.Booking{}, err
	}
	now := l.now()
	if err := availability.DateIsBookable(def, req.Date, now); err != nil {
		return model.Booking{}, err
	}

	key := model.OccurrenceKey{SlotID: req.SlotID, Date: req.Date}
	var booking model.Booking
	var snapshot []model.Booking
	err = l.withKeyLock(ctx, key, func(bookings repository.BookingRepository) error {
		// ロック取得後に読み直した件数だけを信用する
		existing, err := bookings.LoadBookings(ctx, key.SlotID, key.Date)
		if err != nil {
			return fmt.Errorf("failed to load bookings: %w", err)
		}

		booked := model.BookedCount(existing)
		if booked+req.VisitorCount > def.MaxVisitors {
			return &model.CapacityExceededError{
				Key:       key,
				Capacity:  def.MaxVisitors,
				Booked:    booked,
				Requested: req.VisitorCount,
			}
		}

		status := model.BookingStatusConfirmed
		if req.RequireConfirmation {
			status = model.BookingStatusPending
		}
		booking = model.Booking{
			ID:           l.newID(),
			SlotID:       key.SlotID,
			BookingDate:  key.Date,
			VisitorCount: req.VisitorCount,
			Status:       status,
			Notes:        req.Notes,
			BookedBy:     req.RequesterID,
			BookedOn:     now,
			UpdatedAt:    now,
		}
		if req.InvitationID != "" {
			invitationID := req.InvitationID
			booking.InvitationID = &invitationID
		}

		if err := bookings.InsertBooking(ctx, booking); err != nil {
			return err
		}
		snapshot = append(existing, booking)
		return nil
	})
	if err != nil {
		seg.Close(err)
		return model.Booking{}, err
	}

	seg.AddMetadata("booking_id", booking.ID)
	log.Printf("Booked %s for %d visitor(s) on %s (status %s)", booking.ID, booking.VisitorCount, key, booking.Status)

	l.escalate(ctx, escalation.Event{
		Type:       escalation.EventBookingCreated,
		Slot:       def,
		Booking:    booking,
		Bookings:   snapshot,
		OccurredAt: now,
	})
	return booking, nil
}

// Cancel は保留・確定済みの予約をキャンセルします
// キャンセル済みの予約には保存済みの予約とmodel.ErrAlreadyCancelledを返し、状態は変えません
func (l *Ledger) Cancel(ctx context.Context, bookingID, cancelledBy, reason string) (model.Booking, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingLedger.Cancel")
	defer seg.Close(nil)

	if cancelledBy == "" {
		return model.Booking{}, fmt.Errorf("%w: cancelled by is required", model.ErrInvalidArgument)
	}

	result, err := l.transition(ctx, bookingID, model.BookingStatusCancelled, func(b *model.Booking, def model.TimeSlotDefinition, now time.Time) error {
		b.CancelledBy = &cancelledBy
		b.CancelledOn = &now
		if reason != "" {
			b.CancellationReason = &reason
		}
		return nil
	})
	if err != nil {
		seg.Close(err)
		return result.booking, err
	}

	log.Printf("Cancelled booking %s by %s", bookingID, cancelledBy)
	l.escalate(ctx, result.event(escalation.EventBookingCancelled))
	return result.booking, nil
}

// Confirm は保留中の予約を確定します
func (l *Ledger) Confirm(ctx context.Context, bookingID string) (model.Booking, error) {
	result, err := l.transition(ctx, bookingID, model.BookingStatusConfirmed, nil)
	return result.booking, err
}

// MarkCheckedIn は確定済みの予約を来訪済みにします
func (l *Ledger) MarkCheckedIn(ctx context.Context, bookingID string) (model.Booking, error) {
	result, err := l.transition(ctx, bookingID, model.BookingStatusCheckedIn, func(b *model.Booking, def model.TimeSlotDefinition, now time.Time) error {
		b.CheckedInOn = &now
		return nil
	})
	return result.booking, err
}

// MarkNoShow は確定済みの予約を来訪なしにします。asOfが時間枠の終了後である必要があります
// asOfがゼロ値の場合は現在時刻を使います
func (l *Ledger) MarkNoShow(ctx context.Context, bookingID string, asOf time.Time) (model.Booking, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingLedger.MarkNoShow")
	defer seg.Close(nil)

	result, err := l.transition(ctx, bookingID, model.BookingStatusNoShow, func(b *model.Booking, def model.TimeSlotDefinition, now time.Time) error {
		if asOf.IsZero() {
			asOf = now
		}
		end := def.EndOn(b.BookingDate, l.loc)
		if !asOf.After(end) {
			return &model.TransitionError{
				From:   b.Status,
				To:     model.BookingStatusNoShow,
				Reason: fmt.Sprintf("premature no-show: slot ends at %s", end.Format(time.RFC3339)),
			}
		}
		return nil
	})
	if err != nil {
		seg.Close(err)
		return result.booking, err
	}

	log.Printf("Marked booking %s as no-show", bookingID)
	l.escalate(ctx, result.event(escalation.EventBookingNoShow))
	return result.booking, nil
}

type transitionResult struct {
	booking  model.Booking
	def      model.TimeSlotDefinition
	snapshot []model.Booking
	at       time.Time
}

func (r transitionResult) event(t escalation.EventType) escalation.Event {
	return escalation.Event{
		Type:       t,
		Slot:       r.def,
		Booking:    r.booking,
		Bookings:   r.snapshot,
		OccurredAt: r.at,
	}
}

// transition は予約のキーをロックした上で状態を読み直し、遷移表に従って更新します
func (l *Ledger) transition(
	ctx context.Context,
	bookingID string,
	to model.BookingStatus,
	apply func(b *model.Booking, def model.TimeSlotDefinition, now time.Time) error,
) (transitionResult, error) {
	current, err := l.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return transitionResult{}, err
	}
	def, err := l.slots.GetDefinition(ctx, current.SlotID)
	if err != nil {
		return transitionResult{}, err
	}

	var result transitionResult
	err = l.withKeyLock(ctx, current.Key(), func(bookings repository.BookingRepository) error {
		b, err := bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		result.booking = b

		if to == model.BookingStatusCancelled && b.Status == model.BookingStatusCancelled {
			return fmt.Errorf("booking %s: %w", bookingID, model.ErrAlreadyCancelled)
		}
		if !b.Status.CanTransitionTo(to) {
			return &model.TransitionError{From: b.Status, To: to}
		}

		now := l.now()
		from := b.Status
		if apply != nil {
			if err := apply(&b, def, now); err != nil {
				return err
			}
		}
		b.Status = to
		b.UpdatedAt = now

		if err := bookings.UpdateBookingStatus(ctx, b, from); err != nil {
			return err
		}

		result = transitionResult{booking: b, def: def, at: now}
		// 更新と同じ排他の中で読み直す。失敗した場合は更新ごと取り消す
		snapshot, err := bookings.LoadBookings(ctx, b.SlotID, b.BookingDate)
		if err != nil {
			return fmt.Errorf("failed to reload bookings for %s: %w", b.Key(), err)
		}
		result.snapshot = snapshot
		return nil
	})
	return result, err
}

// escalate はコミット後にイベントを評価します。失敗はログに残すだけで台帳の変更は取り消しません
func (l *Ledger) escalate(ctx context.Context, event escalation.Event) {
	if l.evaluator == nil {
		return
	}
	if _, err := l.evaluator.Evaluate(context.WithoutCancel(ctx), event); err != nil {
		log.Printf("Failed to evaluate escalation rules for %s %s: %v", event.Type, event.Booking.ID, err)
	}
}

// Availability は時間枠・日付の空き状況を返します
func (l *Ledger) Availability(ctx context.Context, slotID string, date model.Date) (model.AvailabilityView, error) {
	def, err := l.slots.GetDefinition(ctx, slotID)
	if err != nil {
		return model.AvailabilityView{}, err
	}
	return l.availabilityOf(ctx, def, date, l.now())
}

func (l *Ledger) availabilityOf(ctx context.Context, def model.TimeSlotDefinition, date model.Date, now time.Time) (model.AvailabilityView, error) {
	bookings, err := l.bookings.LoadBookings(ctx, def.ID, date)
	if err != nil {
		return model.AvailabilityView{}, fmt.Errorf("failed to load bookings: %w", err)
	}
	return availability.Compute(def, date, model.BookedCount(bookings), now), nil
}

// ListAvailability は期間内(両端を含む)の有効な時間枠すべての空き状況を日付順に返します
func (l *Ledger) ListAvailability(ctx context.Context, from, to model.Date) ([]model.AvailabilityView, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingLedger.ListAvailability")
	defer seg.Close(nil)

	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end %s is before start %s", model.ErrInvalidArgument, to, from)
	}
	days := int(to.In(time.UTC).Sub(from.In(time.UTC)).Hours()/24) + 1
	if days > l.maxRangeDays {
		return nil, fmt.Errorf("%w: range of %d days exceeds %d", model.ErrInvalidArgument, days, l.maxRangeDays)
	}

	now := l.now()
	perDay := make([][]model.AvailabilityView, days)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < days; i++ {
		i := i
		date := from.AddDays(i)
		g.Go(func() error {
			defs, err := l.slots.ListActiveForDate(gctx, date)
			if err != nil {
				return err
			}
			views := make([]model.AvailabilityView, 0, len(defs))
			for _, def := range defs {
				view, err := l.availabilityOf(gctx, def, date, now)
				if err != nil {
					return err
				}
				views = append(views, view)
			}
			perDay[i] = views
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		seg.Close(err)
		return nil, err
	}

	var views []model.AvailabilityView
	for _, v := range perDay {
		views = append(views, v...)
	}
	seg.AddMetadata("view_count", len(views))
	return views, nil
}
