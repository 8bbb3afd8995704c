// Package notify はアラートの配信を扱います
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// Notifier は作成されたアラートを外部へ配信します
type Notifier interface {
	Notify(ctx context.Context, alert model.NotificationAlert) error
}

// Fanout は複数の配信先へ順に配信します。途中で失敗しても残りへの配信は続けます
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, alert model.NotificationAlert) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async は配信をバックグラウンドで行い、呼び出し元を待たせません
// 呼び出し元のコンテキストがキャンセルされても配信は継続し、timeoutで打ち切ります
type Async struct {
	next    Notifier
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration) *Async {
	return &Async{next: next, timeout: timeout}
}

func (a *Async) Notify(ctx context.Context, alert model.NotificationAlert) error {
	ctx = context.WithoutCancel(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		// Close後は呼び出し元で配信する
		return a.deliver(ctx, alert)
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		if err := a.deliver(ctx, alert); err != nil {
			log.Printf("Failed to deliver alert %s: %v", alert.ID, err)
		}
	}()
	return nil
}

func (a *Async) deliver(ctx context.Context, alert model.NotificationAlert) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return a.next.Notify(ctx, alert)
}

// Close は配信中のアラートがすべて終わるまで待ちます
// 配信先のクライアントを閉じる前に呼びます
func (a *Async) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// Log はアラートをログに出力するだけの配信先です
type Log struct{}

func (Log) Notify(ctx context.Context, alert model.NotificationAlert) error {
	log.Printf("Alert %s [%s/%s] %s: %s (entity %s %s)",
		alert.ID, alert.Type, alert.Priority, alert.Title, alert.Message,
		alert.RelatedEntityType, alert.RelatedEntityID)
	return nil
}
