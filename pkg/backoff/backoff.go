// Package backoff 周期失败后的退避策略。
// 默认固定间隔（与正常周期间隔一致）；可切换为有上限的指数退避，避免长时间故障时空转。
package backoff

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Policy 根据连续失败次数（从 1 开始）计算下一次等待时长
type Policy interface {
	Next(failures int) time.Duration
}

// Fixed 固定间隔
type Fixed struct {
	Delay time.Duration
}

// Next 始终返回 Delay
func (f Fixed) Next(int) time.Duration {
	return f.Delay
}

// Exponential 有上限的指数退避：Base × Factor^(failures-1)，不超过 Max
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// Next 计算退避时长。Max <= 0 时以 time.Duration 的最大值为上限，结果不会溢出为负数
func (e Exponential) Next(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	factor := e.Factor
	if factor < 1 {
		factor = 2
	}
	limit := e.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	d := float64(e.Base)
	for i := 1; i < failures; i++ {
		d *= factor
		if d >= float64(limit) {
			return limit
		}
	}
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// New 按策略名构建
func New(strategy string, base, max time.Duration, factor float64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", StrategyFixed:
		return Fixed{Delay: base}, nil
	case StrategyExponential:
		if base <= 0 {
			return nil, errors.Errorf("backoff base must be positive, got %s", base)
		}
		if max <= 0 {
			return nil, errors.Errorf("exponential backoff requires a positive max, got %s", max)
		}
		if max < base {
			return nil, errors.Errorf("backoff max %s is smaller than base %s", max, base)
		}
		return Exponential{Base: base, Max: max, Factor: factor}, nil
	default:
		return nil, errors.Errorf("unknown backoff strategy %q (fixed|exponential)", strategy)
	}
}
