package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 是所有字段校验错误的公共哨兵，CLI 据此区分配置错误与运行期错误。
var ErrInvalidConfig = errors.New("invalid config")

// FieldError 记录出错字段的完整路径、当前取值与原因。
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Reason)
}

// Is 让 errors.Is(err, ErrInvalidConfig) 对任意 FieldError 成立。
func (e FieldError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func newFieldError(field string, value any, reason string) error {
	return FieldError{Field: field, Value: value, Reason: reason}
}
