package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SleepFunc 可被 ctx 打断的等待，测试时替换为记录型实现
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep 等待 d，ctx 取消时提前返回 ctx.Err()
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer 变更请求之间的节流器：每次调用后等待
type Pacer interface {
	Pause(ctx context.Context) error
}

// FixedDelay 固定间隔节流（对外部 API 限流的唯一缓解手段，不做自适应）
type FixedDelay struct {
	delay time.Duration
	sleep SleepFunc

	mu     sync.Mutex
	pauses int
}

// Option FixedDelay 选项
type Option func(*FixedDelay)

// WithSleep 替换等待实现
func WithSleep(fn SleepFunc) Option {
	return func(p *FixedDelay) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// NewFixedDelay 创建固定间隔节流器，delay <= 0 表示不等待
func NewFixedDelay(delay time.Duration, opts ...Option) *FixedDelay {
	p := &FixedDelay{delay: delay, sleep: Sleep}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pause 等待固定间隔
func (p *FixedDelay) Pause(ctx context.Context) error {
	p.mu.Lock()
	p.pauses++
	p.mu.Unlock()
	if p.delay <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, p.delay)
}

// Delay 配置的间隔
func (p *FixedDelay) Delay() time.Duration {
	return p.delay
}

// Pauses 累计等待次数
func (p *FixedDelay) Pauses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses
}
