// Package snowflake 提供分布式ID生成器（雪花算法）
//
// 实体 ID 在运行时内生成，写入路径不依赖数据库自增，便于在同一
// 工作单元内先确定 ID 再写实体、扩展字段与审计记录。
package snowflake

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// 起始时间戳 (2024-01-01 00:00:00 UTC)
	epoch int64 = 1704067200000

	// 各部分位数
	workerIDBits = 10
	sequenceBits = 12

	// 最大值
	maxWorkerID = -1 ^ (-1 << workerIDBits) // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	// 位移
	workerIDShift      = sequenceBits
	timestampLeftShift = sequenceBits + workerIDBits
)

// Generator Snowflake ID生成器
type Generator struct {
	mux           sync.Mutex
	workerID      int64
	sequence      int64
	lastTimestamp int64
}

// NewGenerator 创建ID生成器
func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, errors.New("worker ID out of range")
	}
	return &Generator{
		workerID:      workerID,
		lastTimestamp: -1,
	}, nil
}

// NextID 生成下一个ID
func (g *Generator) NextID() (int64, error) {
	g.mux.Lock()
	defer g.mux.Unlock()

	now := time.Now().UnixMilli()

	if now < g.lastTimestamp {
		return 0, errors.New("clock moved backwards, refusing to generate id")
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= g.lastTimestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = now

	id := ((now - epoch) << timestampLeftShift) |
		(g.workerID << workerIDShift) |
		g.sequence

	return id, nil
}

// Generate 生成ID（忽略错误）
func (g *Generator) Generate() int64 {
	id, _ := g.NextID()
	return id
}

// 全局默认生成器（通过原子指针保证并发安全）
var defaultGenerator atomic.Pointer[Generator]

func init() {
	gen, _ := NewGenerator(1)
	defaultGenerator.Store(gen)
}

// SetWorkerID 重置默认生成器的 worker ID（多实例部署时必须区分）
func SetWorkerID(workerID int64) error {
	gen, err := NewGenerator(workerID)
	if err != nil {
		return err
	}
	defaultGenerator.Store(gen)
	return nil
}

// Generate 使用默认生成器生成ID
func Generate() int64 {
	gen := defaultGenerator.Load()
	if gen == nil {
		return 0
	}
	return gen.Generate()
}
