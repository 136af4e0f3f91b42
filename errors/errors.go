// Package errors 定义业务对象运行时的错误分类体系
//
// 错误分类与传播策略：
//  1. ACCESS_DENIED / VALIDATION_ERROR 在写入开始前检出，阻止任何持久化；
//  2. 工作单元内部的错误（CONFLICT、DATABASE_ERROR、审计写入失败）整体回滚；
//  3. PUBLISH_FAILURE 与事务结果解耦，以警告形式返回给调用方；
//  4. PROCESSING_FAILURE 由消费端产生，不确认消息、触发重投。
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 请求级错误代码
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// 数据级错误代码
	ErrCodeCorruptValue ErrorCode = "CORRUPT_VALUE"
	ErrCodeInvalidType  ErrorCode = "INVALID_TYPE"

	// 事件链路错误代码
	ErrCodePublishFailure    ErrorCode = "PUBLISH_FAILURE"
	ErrCodeProcessingFailure ErrorCode = "PROCESSING_FAILURE"

	// 基础设施错误代码
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error

	// 获取错误详情
	Details() map[string]any

	// 获取堆栈信息
	Stack() string

	// 包装错误
	Wrap(msg string) IError

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// NewErrorf 创建带格式化消息的新错误
func NewErrorf(code ErrorCode, format string, args ...any) IError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}

	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Stack 获取堆栈信息
func (e *AppError) Stack() string {
	return e.stack
}

// Is 检查是否为指定类型的错误（按错误代码比较）
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// Wrap 包装错误
func (e *AppError) Wrap(msg string) IError {
	return &AppError{
		code:    e.code,
		message: fmt.Sprintf("%s: %s", msg, e.message),
		cause:   e,
		details: copyMap(e.details),
		stack:   captureStack(),
	}
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// IsAccessDenied 检查是否为租户越权错误
func IsAccessDenied(err error) bool {
	return IsErrorCode(err, ErrCodeAccessDenied)
}

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsConflict 检查是否为乐观锁冲突错误
func IsConflict(err error) bool {
	return IsErrorCode(err, ErrCodeConflict)
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsCorruptValue 检查是否为存储值损坏错误
func IsCorruptValue(err error) bool {
	return IsErrorCode(err, ErrCodeCorruptValue)
}

// IsInvalidType 检查是否为类型不匹配错误
func IsInvalidType(err error) bool {
	return IsErrorCode(err, ErrCodeInvalidType)
}

// IsPublishFailure 检查是否为事件入队失败
func IsPublishFailure(err error) bool {
	return IsErrorCode(err, ErrCodePublishFailure)
}

// IsProcessingFailure 检查是否为消费处理失败
func IsProcessingFailure(err error) bool {
	return IsErrorCode(err, ErrCodeProcessingFailure)
}

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}

	return false
}

// GetErrorCode 获取错误代码
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}

	return ErrCodeInternal
}

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

// copyMap 复制映射
func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return make(map[string]any)
	}

	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}

	return copied
}
