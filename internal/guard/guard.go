// Package guard 周期的错误边界：任何错误或 panic 都只记录并退避，进程不退出。
package guard

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/metrics"
	"github.com/betbot/gpubid/pkg/backoff"
	"github.com/betbot/gpubid/pkg/logger"
	"github.com/betbot/gpubid/pkg/ratelimit"
)

// Cycle 一次调和周期（reconcile.Loop 实现）
type Cycle interface {
	RunCycle(ctx context.Context) (domain.CycleSummary, error)
}

// CycleFunc 函数适配
type CycleFunc func(ctx context.Context) (domain.CycleSummary, error)

func (f CycleFunc) RunCycle(ctx context.Context) (domain.CycleSummary, error) { return f(ctx) }

// PanicError 周期内 recover 到的 panic
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Config 守护配置
type Config struct {
	CycleInterval time.Duration  // 成功后等待，默认 15s
	Backoff       backoff.Policy // 失败后等待，默认与 CycleInterval 相同的固定间隔
}

// Guard 无限循环执行周期
type Guard struct {
	cycle   Cycle
	cfg     Config
	sleep   ratelimit.SleepFunc
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// Option 守护选项
type Option func(*Guard)

// WithSleep 替换等待实现（测试用）
func WithSleep(fn ratelimit.SleepFunc) Option {
	return func(g *Guard) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		if m != nil {
			g.metrics = m
		}
	}
}

func New(cycle Cycle, cfg Config, log *logrus.Logger, opts ...Option) *Guard {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 15 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Fixed{Delay: cfg.CycleInterval}
	}
	g := &Guard{
		cycle:   cycle,
		cfg:     cfg,
		sleep:   ratelimit.Sleep,
		metrics: metrics.Noop(),
		log:     logger.Component(log, "guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run 直到 ctx 取消才返回（返回 ctx.Err()）
func (g *Guard) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := g.runOnce(ctx)
		g.metrics.CycleRuns.Inc(1)

		var wait time.Duration
		if err != nil {
			// 收到退出信号导致的失败不算周期错误
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait = g.cfg.Backoff.Next(failures)
			g.metrics.CycleErrors.Inc(1)
			g.metrics.ConsecutiveFailures.Update(float64(failures))
			g.logFailure(err, failures, wait)
		} else {
			if failures > 0 {
				g.log.WithField("failures", failures).Info("周期恢复正常")
			}
			failures = 0
			wait = g.cfg.CycleInterval
			g.metrics.ConsecutiveFailures.Update(0)
			g.log.WithField("next_in", wait).Debug("周期完成")
		}

		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *Guard) runOnce(ctx context.Context) (summary domain.CycleSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.metrics.CyclePanics.Inc(1)
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return g.cycle.RunCycle(ctx)
}

func (g *Guard) logFailure(err error, failures int, wait time.Duration) {
	fields := logrus.Fields{
		"cause":        rootCause(err).Error(),
		"failures":     failures,
		"retry_in":     wait.String(),
		"transient":    domain.IsTransient(err),
		"rate_limited": domain.IsRateLimited(err),
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		fields["stack"] = string(pe.Stack)
	}
	g.log.WithFields(fields).Errorf("Error occurred: %v", err)
	g.log.Infof("Waiting %s before retry...", wait)
}

// rootCause pkg/errors.Cause 可能沿链走到 nil，此时退回 err 本身
func rootCause(err error) error {
	if c := errors.Cause(err); c != nil {
		return c
	}
	return err
}
