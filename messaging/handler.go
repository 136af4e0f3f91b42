// Package messaging 提供消息处理器抽象
package messaging

import (
	"context"
)

// IMessageHandler 消息处理器接口
//
// Handle 返回错误时传输层不确认消息，退避后重投；返回 nil 才确认。
type IMessageHandler interface {
	// Handle 处理消息
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器类型（用于日志和调试）
	Type() string
}

// HandlerFunc 函数式处理器适配
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, message IMessage) error
}

// Handle 处理消息
func (h HandlerFunc) Handle(ctx context.Context, message IMessage) error {
	return h.Fn(ctx, message)
}

// Type 返回处理器类型
func (h HandlerFunc) Type() string {
	if h.Name == "" {
		return "func"
	}
	return h.Name
}

// IDeadLetterSink 死信接收器
//
// 消息达到重投上限后由传输层调用，附带最后一次处理错误。
// 实现应持久化消息以供人工介入，本方法返回错误只记录不重试。
type IDeadLetterSink interface {
	DeadLetter(ctx context.Context, message IMessage, lastErr error) error
}

// DeadLetterFunc 函数式死信接收器
type DeadLetterFunc func(ctx context.Context, message IMessage, lastErr error) error

// DeadLetter 接收死信
func (f DeadLetterFunc) DeadLetter(ctx context.Context, message IMessage, lastErr error) error {
	return f(ctx, message, lastErr)
}
