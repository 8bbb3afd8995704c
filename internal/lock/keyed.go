// Package lock はキー単位の排他ロックを提供します
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// Locker はキー単位の排他ロックです
// Lockは成功時に解放関数を返します。解放関数は複数回呼んでも安全です
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex はプロセス内のキー別ロック表です
// キーごとに容量1のチャネルを持ち、送信待ちは到着順に起こされるため待ちが無制限に伸びることはありません
// 使われていないキーのエントリは参照カウントが0になった時点で削除します
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock はkeyのロックを取得するまで待機します
// ctxの期限切れはmodel.ErrTimeout、キャンセルはmodel.ErrCancelledを返します
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ContextError(ctx.Err(), key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.release(key, e)
		})
	}, nil
}

// Len は現在保持しているキーの数を返します
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *KeyedMutex) acquire(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) release(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// ContextError はctxのエラーをドメインのエラーに変換します
func ContextError(err error, key string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", model.ErrTimeout, key)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", model.ErrCancelled, key)
	default:
		return err
	}
}
