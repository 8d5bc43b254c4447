// Package metrics 周期级指标：tally scope 上报到 expvar，通过调试服务的 /debug/vars 查看。
package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally/v4"
)

// Metrics 调和循环和执行器的指标
type Metrics struct {
	CycleRuns           tally.Counter
	CycleErrors         tally.Counter
	CyclePanics         tally.Counter
	CycleLatency        tally.Timer
	ConsecutiveFailures tally.Gauge
	ActiveGPUs          tally.Gauge

	BidsPlaced       tally.Counter
	BidsRaised       tally.Counter
	BidsDeduplicated tally.Counter
	BidsRejected     tally.Counter
	ItemsSkipped     tally.Counter
	MalformedBatches tally.Counter

	MarketCostHits   tally.Counter
	MarketCostMisses tally.Counter
}

// New returns a new Metrics struct, with all metrics initialized
// and rooted at the given tally.Scope
func New(scope tally.Scope) *Metrics {
	if scope == nil {
		scope = tally.NoopScope
	}
	cycleScope := scope.SubScope("cycle")
	bidScope := scope.SubScope("bid")
	placeScope := bidScope.Tagged(map[string]string{"action": "place_bid"})
	raiseScope := bidScope.Tagged(map[string]string{"action": "raise_bid"})
	costScope := scope.SubScope("market_cost")

	return &Metrics{
		CycleRuns:           cycleScope.Counter("runs"),
		CycleErrors:         cycleScope.Counter("errors"),
		CyclePanics:         cycleScope.Counter("panics"),
		CycleLatency:        cycleScope.Timer("latency"),
		ConsecutiveFailures: cycleScope.Gauge("consecutive_failures"),
		ActiveGPUs:          scope.Gauge("active_gpus"),

		BidsPlaced:       placeScope.Counter("executed"),
		BidsDeduplicated: placeScope.Counter("deduplicated"),
		BidsRaised:       raiseScope.Counter("executed"),
		BidsRejected:     bidScope.Counter("rejected"),
		ItemsSkipped:     scope.Counter("items_skipped"),
		MalformedBatches: scope.Counter("malformed_batches"),

		MarketCostHits:   costScope.Counter("hits"),
		MarketCostMisses: costScope.Counter("misses"),
	}
}

// Noop 不上报的指标（测试和未启用指标时使用）
func Noop() *Metrics {
	return New(tally.NoopScope)
}

// NewRootScope 创建上报到 expvar 的根 scope，关闭返回的 Closer 时最后一次 flush
func NewRootScope(prefix string, reporter tally.StatsReporter, interval time.Duration) (tally.Scope, io.Closer) {
	if interval <= 0 {
		interval = time.Second
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:    prefix,
		Tags:      map[string]string{},
		Reporter:  reporter,
		Separator: "_",
	}, interval)
}
