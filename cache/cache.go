// Package cache 提供进程内的泛型 LRU+TTL 缓存
//
// 运行时用它缓存字段定义（tenant/entity_type/field_name -> 定义），
// 定义写入路径负责失效。并发安全，容量满时驱逐最久未使用条目。
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache 通用泛型缓存
type Cache[K comparable, V any] struct {
	config Config

	items   map[K]*entry[K, V]
	lruList *list.List

	mu    sync.RWMutex
	stats Stats
}

// entry 缓存条目
type entry[K comparable, V any] struct {
	key        K
	value      V
	accessedAt time.Time
	lruElement *list.Element
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大缓存条目数，0 表示无限制（不推荐）
	MaxSize int

	// TTL 缓存过期时间，基于访问时间；0 表示永不过期
	TTL time.Duration
}

// Stats 缓存统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// New 创建新的缓存实例
func New[K comparable, V any](config Config) *Cache[K, V] {
	return &Cache[K, V]{
		config:  config,
		items:   make(map[K]*entry[K, V]),
		lruList: list.New(),
	}
}

// Get 获取缓存值
//
// Get 需要更新访问时间、LRU 位置与统计信息，因此使用写锁，
// 保证 LRU 与统计的一致性。
func (c *Cache[K, V]) Get(key K) (value V, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		return value, false
	}

	if c.expired(e) {
		c.removeLocked(e)
		c.stats.Misses++
		c.stats.Expires++
		return value, false
	}

	e.accessedAt = time.Now()
	c.lruList.MoveToFront(e.lruElement)
	c.stats.Hits++
	return e.value, true
}

// Set 设置缓存值
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if e, exists := c.items[key]; exists {
		e.value = value
		e.accessedAt = now
		c.lruList.MoveToFront(e.lruElement)
		return
	}

	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		c.evictOldestLocked()
	}

	e := &entry[K, V]{key: key, value: value, accessedAt: now}
	e.lruElement = c.lruList.PushFront(e)
	c.items[key] = e
}

// Delete 删除缓存条目，返回是否存在并被删除
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear 清空所有缓存
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*entry[K, V])
	c.lruList = list.New()
}

// Size 获取当前缓存条目数
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats 获取缓存统计信息（副本）
func (c *Cache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return c.config.TTL > 0 && time.Since(e.accessedAt) >= c.config.TTL
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	c.lruList.Remove(e.lruElement)
	delete(c.items, e.key)
}

func (c *Cache[K, V]) evictOldestLocked() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry[K, V])
	c.removeLocked(e)
	c.stats.Evictions++
}
