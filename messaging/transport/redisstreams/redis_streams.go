// Package redisstreams 基于 Redis Streams 消费组的传输实现
//
// XREADGROUP 读新消息，处理成功才 XACK；失败不确认，消息留在
// pending 列表，由 reclaim 协程按 AckWait 认领重投。XPENDING 的
// RetryCount 达到上限后消息转入死信流并确认，绝不静默丢弃。
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bizobj/logging"
	"bizobj/messaging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config describes how the Redis Streams transport should connect/behave.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	DLQStream    string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Delivery     messaging.DeliveryConfig
	DeadSink     messaging.IDeadLetterSink
	Logger       logging.Logger

	// 订阅错误退避
	MinReadBackoff time.Duration // 默认 100ms
	MaxReadBackoff time.Duration // 默认 5s
}

// Transport is a messaging.Transport backed by Redis Streams consumer groups.
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	handlers      map[string][]messaging.IMessageHandler
	subscriptions map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// NewTransport constructs a Redis Streams transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "bizobj:"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.StreamPrefix + "dlq"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "bizobj"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	cfg.Delivery = cfg.Delivery.Normalize()
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		options := &redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
		cl = redis.NewClient(options)
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.redisstreams")
	}

	return &Transport{
		cfg:           cfg,
		client:        cl,
		ownClient:     own,
		logger:        cfg.Logger,
		handlers:      make(map[string][]messaging.IMessageHandler),
		subscriptions: make(map[string]bool),
	}, nil
}

// Publish writes a single message into the appropriate Stream.
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	values, err := encodeMessage(message)
	if err != nil {
		return err
	}
	stream := t.streamName(message.GetType())
	return t.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
}

// PublishAll writes messages sequentially. Redis Streams does not support multi append.
func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, msg := range messages {
		if err := t.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for a given message type.
func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		t.startReaderLocked(messageType)
	}
	return nil
}

// Unsubscribe removes the handler for a message type (no-op if not found).
func (t *Transport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return nil
}

// Start begins background consumers per message type.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for mt := range t.handlers {
		t.startReaderLocked(mt)
	}
	t.running = true
	return nil
}

// Close stops consumers and optionally closes the redis client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		if t.ownClient {
			return t.client.Close()
		}
		return nil
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

// Stats returns basic handler/stream information.
func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handlerCount := 0
	types := make([]string, 0, len(t.handlers))
	for mt, hs := range t.handlers {
		handlerCount += len(hs)
		types = append(types, mt)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: types,
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

func (t *Transport) startReaderLocked(messageType string) {
	if messageType == "*" || t.subscriptions[messageType] {
		return
	}
	t.subscriptions[messageType] = true
	t.wg.Add(2)
	go t.readLoop(messageType)
	go t.reclaimLoop(messageType)
}

func (t *Transport) readLoop(messageType string) {
	defer t.wg.Done()
	stream := t.streamName(messageType)
	if err := t.ensureGroup(stream); err != nil {
		t.logger.Warn(t.ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		res, err := t.client.XReadGroup(t.ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn(t.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > t.cfg.MaxReadBackoff {
				backoff = t.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				t.handleEntry(streamRes.Stream, entry, 1)
			}
		}
	}
}

// reclaimLoop 周期性认领超时未确认的消息并重投
func (t *Transport) reclaimLoop(messageType string) {
	defer t.wg.Done()
	stream := t.streamName(messageType)
	ticker := time.NewTicker(t.cfg.Delivery.AckWait)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(t.ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  t.cfg.GroupName,
			Idle:   t.cfg.Delivery.AckWait,
			Start:  "-",
			End:    "+",
			Count:  t.cfg.ReadCount,
		}).Result()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				t.logger.Warn(t.ctx, "xpending failed", logging.String("stream", stream), logging.Error(err))
			}
			continue
		}

		for _, p := range pending {
			// RetryCount 含首投；认领会再加一次
			delivery := int(p.RetryCount) + 1
			if delivery > t.cfg.Delivery.MaxDeliveries {
				t.moveToDeadLetter(stream, p.ID)
				continue
			}

			claimed, err := t.client.XClaim(t.ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    t.cfg.GroupName,
				Consumer: t.cfg.ConsumerName,
				MinIdle:  t.cfg.Delivery.AckWait,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(claimed) == 0 {
				continue
			}
			t.redelivered.Add(1)
			t.handleEntry(stream, claimed[0], delivery)
		}
	}
}

// handleEntry 投递单条流消息：成功才 XACK
func (t *Transport) handleEntry(stream string, entry redis.XMessage, delivery int) {
	msg, decodeErr := decodeMessage(entry)
	if decodeErr != nil {
		// 解码失败重投也不会变好，直接转死信
		t.logger.Warn(t.ctx, "decode redis stream entry failed", logging.Error(decodeErr))
		t.moveToDeadLetter(stream, entry.ID)
		return
	}
	msg.DeliveryCount = delivery

	if err := t.dispatch(t.ctx, msg); err != nil {
		// 不确认：留在 pending 列表等待 reclaim 重投
		t.logger.Warn(t.ctx, "消息处理失败，等待重投",
			logging.String("message_id", msg.ID),
			logging.String("stream", stream),
			logging.Int("delivery", delivery),
			logging.Error(err))
		return
	}
	if ackErr := t.client.XAck(t.ctx, stream, t.cfg.GroupName, entry.ID).Err(); ackErr != nil {
		t.logger.Warn(t.ctx, "xack failed", logging.Error(ackErr))
	}
}

// moveToDeadLetter 将原始流条目复制到死信流并确认
func (t *Transport) moveToDeadLetter(stream, entryID string) {
	claimed, err := t.client.XClaim(t.ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		MinIdle:  0,
		Messages: []string{entryID},
	}).Result()
	if err != nil || len(claimed) == 0 {
		return
	}

	entry := claimed[0]
	values := make(map[string]any, len(entry.Values)+2)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["source_stream"] = stream
	values["dead_lettered_at"] = time.Now().UnixNano()

	if err := t.client.XAdd(t.ctx, &redis.XAddArgs{Stream: t.cfg.DLQStream, Values: values}).Err(); err != nil {
		t.logger.Error(t.ctx, "写入死信流失败", logging.String("entry", entryID), logging.Error(err))
		return
	}
	t.deadLettered.Add(1)

	if t.cfg.DeadSink != nil {
		if msg, decodeErr := decodeMessage(entry); decodeErr == nil {
			if sinkErr := t.cfg.DeadSink.DeadLetter(t.ctx, msg, errors.New("delivery ceiling reached")); sinkErr != nil {
				t.logger.Error(t.ctx, "写入死信接收器失败", logging.Error(sinkErr))
			}
		}
	}

	if err := t.client.XAck(t.ctx, stream, t.cfg.GroupName, entryID).Err(); err != nil {
		t.logger.Warn(t.ctx, "xack failed", logging.Error(err))
	}
}

func (t *Transport) ensureGroup(stream string) error {
	err := t.client.XGroupCreateMkStream(t.ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	exact := t.handlers[message.GetType()]
	wildcard := t.handlers["*"]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) streamName(messageType string) string {
	return t.cfg.StreamPrefix + messageType
}

func encodeMessage(msg messaging.IMessage) (map[string]any, error) {
	payload, err := json.Marshal(msg.GetPayload())
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(msg.GetMetadata())
	if err != nil {
		return nil, err
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"id":        msg.GetID(),
		"type":      msg.GetType(),
		"timestamp": ts.UnixNano(),
		"payload":   string(payload),
		"metadata":  string(metadata),
	}, nil
}

func decodeMessage(entry redis.XMessage) (*messaging.Message, error) {
	id, _ := entry.Values["id"].(string)
	msgType, _ := entry.Values["type"].(string)

	payloadRaw, _ := entry.Values["payload"].(string)
	metadataRaw, _ := entry.Values["metadata"].(string)

	var payload any
	if payloadRaw != "" {
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			return nil, err
		}
	}
	metadata := make(map[string]any)
	if metadataRaw != "" {
		if err := json.Unmarshal([]byte(metadataRaw), &metadata); err != nil {
			return nil, err
		}
	}

	ts := time.Now()
	switch v := entry.Values["timestamp"].(type) {
	case int64:
		ts = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.Unix(0, ns)
		}
	}

	if id == "" {
		id = entry.ID
	}

	return &messaging.Message{
		ID:        id,
		Type:      msgType,
		Timestamp: ts,
		Payload:   payload,
		Metadata:  metadata,
	}, nil
}
