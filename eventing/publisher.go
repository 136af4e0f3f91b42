package eventing

import (
	"context"
	"sync"
	"time"

	"bizobj/errors"
	"bizobj/logging"
	"bizobj/messaging"
	"bizobj/storage"
)

// OutboxConfig 发布器配置
type OutboxConfig struct {
	// 后台对账间隔
	PublishInterval time.Duration `json:"publish_interval"`

	// 每次处理的最大记录数
	BatchSize int `json:"batch_size"`

	// 最大重试次数，超过移入死信表
	MaxRetries int `json:"max_retries"`

	// 重试间隔（指数退避基数）
	RetryInterval time.Duration `json:"retry_interval"`

	// 保留已发布记录的时间
	RetentionPeriod time.Duration `json:"retention_period"`
}

// DefaultOutboxConfig 返回默认配置
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PublishInterval: 5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// Publisher 事件发布器
//
// 两段式发布：Stage 在变更事务内暂存信封；事务提交后调用
// PublishStaged 尽力即时投递。即时投递失败只产生 PUBLISH_FAILURE
// 告警，不回滚任何已提交的变更，后台 Worker 会按退避重发。
type Publisher struct {
	repo      IOutboxRepository
	transport messaging.Transport
	cfg       OutboxConfig
	log       logging.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewPublisher 创建事件发布器
func NewPublisher(repo IOutboxRepository, transport messaging.Transport, cfg OutboxConfig, logger logging.Logger) *Publisher {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = logging.ComponentLogger("eventing.publisher")
	}
	return &Publisher{
		repo:      repo,
		transport: transport,
		cfg:       cfg,
		log:       logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Stage 在调用方事务内暂存信封
func (p *Publisher) Stage(ctx context.Context, exec storage.IDatabase, env *Envelope) error {
	return p.repo.Stage(ctx, exec, env)
}

// PublishStaged 事务提交后尽力即时发布暂存的事件
//
// 返回的错误是告警性质（PUBLISH_FAILURE）：事件仍安全地留在出站
// 表中，后台 Worker 会重发。调用方不应据此回滚或重试整个变更。
func (p *Publisher) PublishStaged(ctx context.Context, eventIDs ...string) error {
	var firstErr error
	for _, eventID := range eventIDs {
		entry, err := p.repo.GetByEventID(ctx, eventID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if entry.Status == OutboxStatusPublished {
			continue
		}
		if err := p.publishEntry(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = errors.WrapError(err, errors.ErrCodePublishFailure,
					"事件即时发布失败，后台将重发")
			}
		}
	}
	return firstErr
}

// PublishPending 手动触发一轮对账发布
func (p *Publisher) PublishPending(ctx context.Context) error {
	return p.processOnce(ctx)
}

// Start 启动后台对账任务
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.NewError(errors.ErrCodeInternal, "发布器已启动")
	}
	p.started = true
	go p.loop(ctx)
	return nil
}

// Stop 停止后台对账任务
func (p *Publisher) Stop() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	return nil
}

// Close 实现关闭语义，便于作为资源统一管理
func (p *Publisher) Close() error {
	return p.Stop()
}

func (p *Publisher) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer func() { ticker.Stop(); close(p.doneCh) }()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processOnce(ctx); err != nil {
				p.log.Error(ctx, "outbox 对账发布失败", logging.Error(err))
			}
			if err := p.repo.DeletePublished(ctx, time.Now().Add(-p.cfg.RetentionPeriod)); err != nil {
				p.log.Error(ctx, "outbox 清理已发布记录失败", logging.Error(err))
			}
		}
	}
}

func (p *Publisher) processOnce(ctx context.Context) error {
	entries, err := p.repo.GetPendingEntries(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, entry := range entries {
		if err := p.publishEntry(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// publishEntry 发布单条记录：成功标记 published，失败标记 failed，
// 超过重试上限移入死信表
func (p *Publisher) publishEntry(ctx context.Context, entry OutboxEntry) error {
	env, err := entry.ToEnvelope()
	if err != nil {
		// 无法反序列化的信封重试也不会变好，直接移入死信表
		p.log.Error(ctx, "出站信封损坏，移入死信表",
			logging.String("event_id", entry.EventID), logging.Error(err))
		entry.LastError = err.Error()
		if dlqErr := p.repo.MoveToDLQ(ctx, entry); dlqErr != nil {
			return dlqErr
		}
		return nil
	}

	if err := p.transport.Publish(ctx, env.ToMessage()); err != nil {
		p.log.Warn(ctx, "事件发布失败",
			logging.String("event_id", entry.EventID),
			logging.String("event_type", entry.EventType),
			logging.Int("retry_count", entry.RetryCount),
			logging.Error(err))

		if entry.RetryCount+1 >= p.cfg.MaxRetries {
			entry.LastError = err.Error()
			entry.RetryCount++
			if dlqErr := p.repo.MoveToDLQ(ctx, entry); dlqErr != nil {
				return dlqErr
			}
			p.log.Error(ctx, "事件超过重试上限，移入死信表",
				logging.String("event_id", entry.EventID))
			return err
		}
		if markErr := p.repo.MarkAsFailed(ctx, entry.ID, err.Error(),
			entry.NextRetryTime(p.cfg.RetryInterval)); markErr != nil {
			p.log.Error(ctx, "标记事件失败状态出错",
				logging.String("event_id", entry.EventID), logging.Error(markErr))
		}
		return err
	}

	if err := p.repo.MarkAsPublished(ctx, entry.ID); err != nil {
		// 事件已成功进入传输层；标记失败只会导致后续重复发布，
		// 消费侧幂等台账会兜住重复
		p.log.Error(ctx, "标记事件已发布失败",
			logging.String("event_id", entry.EventID), logging.Error(err))
	}
	return nil
}
