package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBatchTimeout はバッチ処理が制限時間内に終わらなかったことを表します
var ErrBatchTimeout = errors.New("batch process timed out")

// 指定されたタイムアウト時間内でバッチ処理を実行する
// タイムアウトを超えた場合は、コンテキストをキャンセルしてErrBatchTimeoutを返す
// 親コンテキストのキャンセルはそのままctx.Err()として返す
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrBatchTimeout, timeout)
		}
		return ctx.Err()
	}
}
