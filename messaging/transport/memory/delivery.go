// Package memory 实现按序投递与重投
package memory

import (
	"context"
	"time"

	"bizobj/logging"
	"bizobj/messaging"
)

// deliverLoop 单类型投递协程
//
// 队头消息处理成功（或转入死信）之前不会投递下一条，保证同类型
// 消息的处理顺序与发布顺序一致。
func (t *MemoryTransport) deliverLoop(queue chan messaging.IMessage) {
	defer t.wg.Done()

	for message := range queue {
		t.deliverWithRetry(message)
	}
}

// deliverWithRetry 投递单条消息，失败重投直至上限
func (t *MemoryTransport) deliverWithRetry(message messaging.IMessage) {
	var lastErr error

	for attempt := 1; attempt <= t.cfg.MaxDeliveries; attempt++ {
		attemptMsg := withDeliveryCount(message, attempt)

		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.AckWait)
		lastErr = t.dispatch(ctx, attemptMsg)
		cancel()

		if lastErr == nil {
			return
		}

		t.logger.Warn(t.ctx, "消息处理失败，等待重投",
			logging.String("message_id", message.GetID()),
			logging.String("message_type", message.GetType()),
			logging.Int("delivery", attempt),
			logging.Error(lastErr))

		if attempt < t.cfg.MaxDeliveries {
			t.redelivered.Add(1)
			select {
			case <-time.After(t.cfg.RetryBackoff):
			case <-t.ctx.Done():
				return
			}
		}
	}

	t.deadLettered.Add(1)
	t.logger.Error(t.ctx, "消息达到重投上限，转入死信",
		logging.String("message_id", message.GetID()),
		logging.String("message_type", message.GetType()),
		logging.Int("max_deliveries", t.cfg.MaxDeliveries),
		logging.Error(lastErr))

	if t.deadSink != nil {
		if err := t.deadSink.DeadLetter(t.ctx, withDeliveryCount(message, t.cfg.MaxDeliveries), lastErr); err != nil {
			t.logger.Error(t.ctx, "写入死信失败",
				logging.String("message_id", message.GetID()),
				logging.Error(err))
		}
	}
}

// dispatch 分发消息到订阅的处理器
//
// 任一处理器失败即视为本次投递失败；已成功的处理器在重投时会再次
// 收到消息，这正是 at-least-once 语义，处理器必须自行幂等。
func (t *MemoryTransport) dispatch(ctx context.Context, message messaging.IMessage) error {
	messageType := message.GetType()

	t.mutex.RLock()
	exact := t.handlers[messageType]
	wildcard := t.handlers["*"]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mutex.RUnlock()

	for _, handler := range handlers {
		if err := handler.Handle(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// withDeliveryCount 给消息标注本次投递次数
func withDeliveryCount(message messaging.IMessage, count int) messaging.IMessage {
	if m, ok := message.(*messaging.Message); ok {
		clone := *m
		clone.DeliveryCount = count
		return &clone
	}
	return message
}
