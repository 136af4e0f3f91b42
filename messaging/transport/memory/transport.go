// Package memory 提供基于内存队列的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"bizobj/logging"
	"bizobj/messaging"
)

// MemoryTransport 内存消息传输实现
//
// 特性:
//   - 每个消息类型一条 FIFO 队列、一个投递协程，同类型消息严格按
//     发布顺序投递；处理失败原地重投，不会越过队头
//   - 达到投递上限转死信接收器，绝不静默丢弃
//   - 并发安全
//
// 使用场景:
//   - 单机部署
//   - 开发环境
//   - 测试场景
type MemoryTransport struct {
	cfg      messaging.DeliveryConfig
	logger   logging.Logger
	deadSink messaging.IDeadLetterSink

	handlers  map[string][]messaging.IMessageHandler
	queues    map[string]chan messaging.IMessage
	queueSize int

	running bool
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// Config 内存传输配置
type Config struct {
	QueueSize      int // 每类型队列容量（<=0 时使用默认 1000）
	Delivery       messaging.DeliveryConfig
	DeadLetterSink messaging.IDeadLetterSink
	Logger         logging.Logger
}

// NewMemoryTransport 创建内存传输实例
func NewMemoryTransport(cfg Config) *MemoryTransport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.memory")
	}
	return &MemoryTransport{
		cfg:       cfg.Delivery.Normalize(),
		logger:    cfg.Logger,
		deadSink:  cfg.DeadLetterSink,
		handlers:  make(map[string][]messaging.IMessageHandler),
		queues:    make(map[string]chan messaging.IMessage),
		queueSize: cfg.QueueSize,
	}
}

// Publish 发布消息到对应类型的队列
func (t *MemoryTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return fmt.Errorf("memory transport is not running")
	}
	queue := t.queueLocked(message.GetType())
	t.mutex.Unlock()

	select {
	case queue <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("message queue is full")
	}
}

// PublishAll 批量发布消息
func (t *MemoryTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, message := range messages {
		if err := t.Publish(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe 订阅消息处理器
//
// 支持多个处理器订阅同一消息类型，支持通配符 "*"。
func (t *MemoryTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

// Unsubscribe 取消订阅消息处理器
func (t *MemoryTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handlers, ok := t.handlers[messageType]
	if !ok {
		return fmt.Errorf("no handlers for message type %s", messageType)
	}
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

// Start 启动传输层
func (t *MemoryTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return fmt.Errorf("memory transport is already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true
	// 已知类型的队列立即启动，新类型在首次 Publish 时按需启动
	for messageType := range t.handlers {
		if messageType != "*" {
			t.queueLocked(messageType)
		}
	}
	return nil
}

// Close 关闭传输层，等待在途消息处理完成
func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return fmt.Errorf("memory transport is not running")
	}
	t.running = false
	queues := make([]chan messaging.IMessage, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.queues = make(map[string]chan messaging.IMessage)
	t.mutex.Unlock()

	for _, q := range queues {
		close(q)
	}
	t.wg.Wait()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Stats 获取统计信息
func (t *MemoryTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	messageTypes := make([]string, 0, len(t.handlers))
	for messageType, handlers := range t.handlers {
		messageTypes = append(messageTypes, messageType)
		handlerCount += len(handlers)
	}
	depth := 0
	for _, q := range t.queues {
		depth += len(q)
	}

	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: messageTypes,
		QueueSize:    t.queueSize,
		QueueDepth:   depth,
		WorkerCount:  len(t.queues),
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

// queueLocked 取出或创建某类型的队列并启动其投递协程（需持写锁）
func (t *MemoryTransport) queueLocked(messageType string) chan messaging.IMessage {
	if q, ok := t.queues[messageType]; ok {
		return q
	}
	q := make(chan messaging.IMessage, t.queueSize)
	t.queues[messageType] = q
	t.wg.Add(1)
	go t.deliverLoop(q)
	return q
}
