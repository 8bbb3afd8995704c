package utils

import (
	"fmt"
	"runtime/debug"
)

// GetStackWithError は、エラーとスタックトレースを組み合わせて返します
// errors.Is/As で元のエラーを判定できるよう %w でラップします
func GetStackWithError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w\nStack trace:\n%s", err, debug.Stack())
}

// PanicToError はrecoverした値をエラーに変換します。nilの場合はnilを返します
func PanicToError(recovered interface{}) error {
	if recovered == nil {
		return nil
	}
	if err, ok := recovered.(error); ok {
		return GetStackWithError(fmt.Errorf("panic: %w", err))
	}
	return GetStackWithError(fmt.Errorf("panic: %v", recovered))
}
