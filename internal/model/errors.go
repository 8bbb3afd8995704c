package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound は対象のエンティティが存在しないことを表します
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded は予約により定員を超えることを表します
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotBookable は日付・時刻・バッファの予約ポリシー違反を表します
	ErrNotBookable = errors.New("not bookable")
	// ErrInvalidTransition は許可されていないステータス遷移を表します
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyCancelled はキャンセル済みの予約を再度キャンセルしたことを表します
	ErrAlreadyCancelled = errors.New("booking already cancelled")
	// ErrAlreadyAcknowledged は確認済みのアラートを再度確認したことを表します
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
	// ErrTimeout はロック取得が期限内に完了しなかったことを表します
	ErrTimeout = errors.New("timed out waiting for lock")
	// ErrCancelled はロック待ちが呼び出し元によって中断されたことを表します
	ErrCancelled = errors.New("cancelled while waiting for lock")
	// ErrInvalidArgument は引数の形式が不正であることを表します
	ErrInvalidArgument = errors.New("invalid argument")
)

// CapacityExceededError は定員超過で予約を拒否した際の詳細です
type CapacityExceededError struct {
	Key       OccurrenceKey
	Capacity  int
	Booked    int
	Requested int
}

func (e *CapacityExceededError) Remaining() int {
	if r := e.Capacity - e.Booked; r > 0 {
		return r
	}
	return 0
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s: booked %d of %d, requested %d, remaining %d",
		e.Key, e.Booked, e.Capacity, e.Requested, e.Remaining())
}

func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// NotBookableError は予約不可の理由を保持します
type NotBookableError struct {
	Reason string
}

func (e *NotBookableError) Error() string {
	return "not bookable: " + e.Reason
}

func (e *NotBookableError) Is(target error) bool {
	return target == ErrNotBookable
}

// TransitionError は拒否されたステータス遷移です
type TransitionError struct {
	From   BookingStatus
	To     BookingStatus
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StatusChangedError は条件付き更新の時点で予約のステータスがcurrentに変わっていた場合のエラーです
// キャンセル同士の競合はErrAlreadyCancelled、それ以外は遷移の拒否として扱います
func StatusChangedError(bookingID string, current, to BookingStatus) error {
	if to == BookingStatusCancelled && current == BookingStatusCancelled {
		return fmt.Errorf("booking %s: %w", bookingID, ErrAlreadyCancelled)
	}
	return &TransitionError{From: current, To: to, Reason: "status changed concurrently"}
}
