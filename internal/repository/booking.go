package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/lock"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// PostgreSQLのlock_timeout超過
const lockNotAvailable = "55P03"

// BookingRepository は予約の永続化を担当するインターフェースです
type BookingRepository interface {
	LoadBookings(ctx context.Context, slotID string, date model.Date) ([]model.Booking, error)
	GetBooking(ctx context.Context, id string) (model.Booking, error)
	InsertBooking(ctx context.Context, booking model.Booking) error
	UpdateBookingStatus(ctx context.Context, booking model.Booking, from model.BookingStatus) error
	ListBookingsByStatus(ctx context.Context, status model.BookingStatus, from, to model.Date) ([]model.Booking, error)
	// WithOccurrenceLock はkeyの排他を保持したままfnを実行します
	// fnに渡すリポジトリの読み書きは排他と同じ単位で確定し、fnがエラーを返すと書き込みは破棄されます
	WithOccurrenceLock(ctx context.Context, key string, timeout time.Duration, fn func(bookings BookingRepository) error) error
}

// BookingRepositoryImpl はBookingRepositoryのPostgreSQL実装です
// トランザクション内で作られた場合はdbがnilで、qがトランザクションを指します
type BookingRepositoryImpl struct {
	db *DB
	q  sqlx.ExtContext
}

func NewBookingRepository(db *DB) *BookingRepositoryImpl {
	return &BookingRepositoryImpl{db: db, q: db}
}

// WithOccurrenceLock はトランザクションを開始して pg_advisory_xact_lock を取得し、同じトランザクション上でfnを実行します
// ロックはコミットまたはロールバックで解放されるため、コネクションを1本しか使いません
// timeoutはロック待ちにだけ適用します
func (r *BookingRepositoryImpl) WithOccurrenceLock(ctx context.Context, key string, timeout time.Duration, fn func(bookings BookingRepository) error) error {
	if r.db == nil {
		// すでにトランザクション内
		return fn(r)
	}

	ctx, seg := tracing.Subsegment(ctx, "BookingRepository.WithOccurrenceLock")
	defer seg.Close(nil)
	seg.AddMetadata("key", key)

	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if stmt := lockTimeoutStatement(timeout); stmt != "" {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return advisoryLockError(ctx, key, err)
		}
		if timeout > 0 {
			// ロック取得後の更新には適用しない
			if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = 0`); err != nil {
				return fmt.Errorf("failed to reset lock timeout: %w", err)
			}
		}

		return fn(&BookingRepositoryImpl{q: tx})
	})
}

// lockTimeoutStatement はロック待ちの上限を設定するSQLを返します。timeoutが0以下の場合は空文字です
func lockTimeoutStatement(timeout time.Duration) string {
	if timeout <= 0 {
		return ""
	}
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)
}

// advisoryLockError はロック取得の失敗をドメインのエラーに変換します
func advisoryLockError(ctx context.Context, key string, err error) error {
	if ctx.Err() != nil {
		return lock.ContextError(ctx.Err(), key)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable {
		return fmt.Errorf("%w: %s", model.ErrTimeout, key)
	}
	return fmt.Errorf("failed to acquire advisory lock: %w", err)
}

const bookingColumns = `
	id, slot_id, booking_date, invitation_id, visitor_count, status, notes,
	booked_by, booked_on, cancelled_by, cancelled_on, cancellation_reason,
	checked_in_on, updated_at`

// LoadBookings は時間枠・日付に属するすべての予約を予約日時順に取得します
func (r *BookingRepositoryImpl) LoadBookings(ctx context.Context, slotID string, date model.Date) ([]model.Booking, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingRepository.LoadBookings")
	defer seg.Close(nil)

	query := `SELECT` + bookingColumns + `
		FROM bookings
		WHERE slot_id = $1 AND booking_date = $2
		ORDER BY booked_on ASC, id ASC`

	var bookings []model.Booking
	if err := sqlx.SelectContext(ctx, r.q, &bookings, query, slotID, date); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to load bookings for %s@%s: %w", slotID, date, err)
	}

	seg.AddMetadata("booking_count", len(bookings))
	return bookings, nil
}

// GetBooking は指定されたIDの予約を取得します
func (r *BookingRepositoryImpl) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingRepository.GetBooking")
	defer seg.Close(nil)

	query := `SELECT` + bookingColumns + `
		FROM bookings
		WHERE id = $1`

	var booking model.Booking
	if err := sqlx.GetContext(ctx, r.q, &booking, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Booking{}, fmt.Errorf("booking %s: %w", id, model.ErrNotFound)
		}
		seg.Close(err)
		return model.Booking{}, fmt.Errorf("failed to get booking: %w", err)
	}

	return booking, nil
}

// InsertBooking は予約を作成します
func (r *BookingRepositoryImpl) InsertBooking(ctx context.Context, booking model.Booking) error {
	ctx, seg := tracing.Subsegment(ctx, "BookingRepository.InsertBooking")
	defer seg.Close(nil)

	query := `
		INSERT INTO bookings (` + bookingColumns + `
		) VALUES (
			:id, :slot_id, :booking_date, :invitation_id, :visitor_count, :status, :notes,
			:booked_by, :booked_on, :cancelled_by, :cancelled_on, :cancellation_reason,
			:checked_in_on, :updated_at
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.q, query, booking); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	return nil
}

// UpdateBookingStatus は現在のステータスがfromである場合に限り予約のステータスを更新します
func (r *BookingRepositoryImpl) UpdateBookingStatus(ctx context.Context, booking model.Booking, from model.BookingStatus) error {
	ctx, seg := tracing.Subsegment(ctx, "BookingRepository.UpdateBookingStatus")
	defer seg.Close(nil)

	query := `
		UPDATE bookings
		SET status = $1,
			cancelled_by = $2,
			cancelled_on = $3,
			cancellation_reason = $4,
			checked_in_on = $5,
			updated_at = $6
		WHERE id = $7 AND status = $8`

	result, err := r.q.ExecContext(ctx, query,
		booking.Status,
		booking.CancelledBy,
		booking.CancelledOn,
		booking.CancellationReason,
		booking.CheckedInOn,
		booking.UpdatedAt,
		booking.ID,
		from,
	)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update booking status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// 0件の場合は現在のステータスを読み直して理由を返す
	var current model.BookingStatus
	if err := sqlx.GetContext(ctx, r.q, &current, `SELECT status FROM bookings WHERE id = $1`, booking.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("booking %s: %w", booking.ID, model.ErrNotFound)
		}
		return fmt.Errorf("failed to reload booking status: %w", err)
	}
	return model.StatusChangedError(booking.ID, current, booking.Status)
}

// ListBookingsByStatus は期間内の指定ステータスの予約を取得します
func (r *BookingRepositoryImpl) ListBookingsByStatus(ctx context.Context, status model.BookingStatus, from, to model.Date) ([]model.Booking, error) {
	ctx, seg := tracing.Subsegment(ctx, "BookingRepository.ListBookingsByStatus")
	defer seg.Close(nil)

	query := `SELECT` + bookingColumns + `
		FROM bookings
		WHERE status = $1 AND booking_date BETWEEN $2 AND $3
		ORDER BY booking_date ASC, booked_on ASC`

	var bookings []model.Booking
	if err := sqlx.SelectContext(ctx, r.q, &bookings, query, status, from, to); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query bookings with status %s: %w", status, err)
	}

	return bookings, nil
}
