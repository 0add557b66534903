package backtest

import (
	"errors"
	"fmt"
)

// ErrCancelled 回测被取消
var ErrCancelled = errors.New("回测已取消")

// ConfigurationError 配置错误，回测不会开始
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("配置错误: %s", e.Reason)
	}
	return fmt.Sprintf("配置错误 [%s]: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SignalError 策略在某一步抛出异常或返回非法信号
type SignalError struct {
	Strategy string
	Index    int
	Err      error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("策略 %s 在第 %d 根K线产生信号错误: %v", e.Strategy, e.Index, e.Err)
}

func (e *SignalError) Unwrap() error {
	return e.Err
}
