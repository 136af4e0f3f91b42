package eventing

import (
	"context"
	"sync"

	"bizobj/errors"
	"bizobj/logging"
	"bizobj/messaging"
)

// EventHandler 事件处理函数
type EventHandler func(ctx context.Context, env *Envelope) error

// Consumer 事件消费者
//
// 以消费组为单位接入传输层：实现 messaging.IMessageHandler，由
// 传输层投递消息。处理前查台账跳过重复事件，处理成功后记账并
// 确认；处理失败返回 PROCESSING_FAILURE，传输层不确认并重投。
// 未注册处理函数的事件类型直接确认，不算失败。
type Consumer struct {
	group  string
	ledger ILedger
	log    logging.Logger

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewConsumer 创建事件消费者
func NewConsumer(group string, ledger ILedger, logger logging.Logger) *Consumer {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if logger == nil {
		logger = logging.ComponentLogger("eventing.consumer").
			WithFields(logging.String("group", group))
	}
	return &Consumer{
		group:    group,
		ledger:   ledger,
		log:      logger,
		handlers: make(map[string]EventHandler),
	}
}

// Group 返回消费组名
func (c *Consumer) Group() string {
	return c.group
}

// On 注册事件类型的处理函数
func (c *Consumer) On(eventType string, handler EventHandler) *Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
	return c
}

// Attach 将消费者挂接到传输层
func (c *Consumer) Attach(transport messaging.Transport, eventTypes ...string) error {
	if len(eventTypes) == 0 {
		c.mu.RLock()
		for et := range c.handlers {
			eventTypes = append(eventTypes, et)
		}
		c.mu.RUnlock()
	}
	for _, et := range eventTypes {
		if err := transport.Subscribe(et, c); err != nil {
			return err
		}
	}
	return nil
}

// Handle 实现 messaging.IMessageHandler
func (c *Consumer) Handle(ctx context.Context, message messaging.IMessage) error {
	env, err := FromMessage(message)
	if err != nil {
		// 信封无法还原，重投也不会变好；记录后确认
		c.log.Error(ctx, "事件信封无法还原",
			logging.String("message_id", message.GetID()), logging.Error(err))
		return nil
	}

	seen, err := c.ledger.Seen(ctx, c.group, env.EventID)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeProcessingFailure, "查询消费台账失败")
	}
	if seen {
		c.log.Debug(ctx, "跳过重复事件",
			logging.String("event_id", env.EventID),
			logging.String("event_type", env.EventType))
		return nil
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.EventType]
	c.mu.RUnlock()
	if !ok {
		// 未订阅的类型直接确认，避免堵塞同组其他事件
		return nil
	}

	if err := handler(ctx, env); err != nil {
		c.log.Warn(ctx, "事件处理失败",
			logging.String("event_id", env.EventID),
			logging.String("event_type", env.EventType),
			logging.Int("delivery", message.GetDeliveryCount()),
			logging.Error(err))
		return errors.WrapError(err, errors.ErrCodeProcessingFailure, "事件处理失败")
	}

	if err := c.ledger.Mark(ctx, c.group, env.EventID); err != nil {
		// 记账失败时宁可重投一次（处理函数需幂等），也不能漏记
		return errors.WrapError(err, errors.ErrCodeProcessingFailure, "写入消费台账失败")
	}
	return nil
}

// Type 实现 messaging.IMessageHandler
func (c *Consumer) Type() string {
	return "consumer:" + c.group
}
