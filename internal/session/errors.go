package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoActiveRun 工站没有进行中的生产记录，暂停/恢复/完工/计数被拒绝
var ErrNoActiveRun = errors.New("no active production run")

// ValidationError 缺少必填选择或参数不合法，状态不变
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// PersistenceError 生产记录主写入失败，本地状态保持不变
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SecondaryWriteError 订单汇总或质检请求失败
// 状态转移已经生效，不做补偿，由操作员决定是否重试
type SecondaryWriteError struct {
	Op   string
	Errs []error
}

func (e *SecondaryWriteError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s applied with %d secondary failure(s): %s", e.Op, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *SecondaryWriteError) Unwrap() []error { return e.Errs }

func secondary(op string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &SecondaryWriteError{Op: op, Errs: errs}
}
