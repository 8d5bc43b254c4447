// Package reconcile 一个调和周期：观测 -> 决策 -> 执行。
// 周期之间的等待和错误边界由 guard 负责，这里只跑一次。
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/executor"
	"github.com/betbot/gpubid/internal/infrastructure/vast"
	"github.com/betbot/gpubid/internal/ledger"
	"github.com/betbot/gpubid/internal/metrics"
	"github.com/betbot/gpubid/internal/policy"
	"github.com/betbot/gpubid/pkg/cache"
	"github.com/betbot/gpubid/pkg/logger"
)

// MarketObserver 报价观测（observer.MarketObserver 实现）
type MarketObserver interface {
	FetchOffers(ctx context.Context, filter vast.Query) ([]domain.Offer, error)
}

// InstanceObserver 实例观测（observer.InstanceObserver 实现）
type InstanceObserver interface {
	FetchInstances(ctx context.Context) ([]domain.Instance, error)
}

// BidExecutor 动作执行（executor.Executor 实现）
type BidExecutor interface {
	PlaceBid(ctx context.Context, a domain.PlaceBid) (executor.Result, error)
	RaiseBid(ctx context.Context, a domain.RaiseBid) (executor.Result, error)
}

// CycleRecorder 周期汇总记录（ledger.Store 实现）
type CycleRecorder interface {
	RecordCycle(ctx context.Context, c ledger.CycleRecord) error
}

// Config 调和配置
type Config struct {
	Policy        policy.Config
	Filter        vast.Query
	MarketCostTTL time.Duration // 跨周期缓存按类别的市场成本，0 关闭
}

// Loop 调和循环
type Loop struct {
	market    MarketObserver
	instances InstanceObserver
	exec      BidExecutor
	cfg       Config

	costCache *cache.InMemoryCache[string, decimal.Decimal]
	metrics   *metrics.Metrics
	recorder  CycleRecorder
	newID     func() string
	now       func() time.Time
	log       *logrus.Entry
}

// Option 调和循环选项
type Option func(*Loop)

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) {
		if m != nil {
			l.metrics = m
		}
	}
}

func WithRecorder(r CycleRecorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithClock 替换时钟（周期时间戳和市场成本缓存）
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator 替换周期 ID 生成（默认 uuid）
func WithIDGenerator(fn func() string) Option {
	return func(l *Loop) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func New(market MarketObserver, instances InstanceObserver, exec BidExecutor, cfg Config, log *logrus.Logger, opts ...Option) (*Loop, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		market:    market,
		instances: instances,
		exec:      exec,
		cfg:       cfg,
		metrics:   metrics.Noop(),
		newID:     uuid.NewString,
		now:       time.Now,
		log:       logger.Component(log, "reconcile"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.MarketCostTTL > 0 {
		l.costCache = cache.NewInMemoryCache[string, decimal.Decimal](cfg.MarketCostTTL).WithClock(l.now)
	}
	return l, nil
}

// RunCycle 执行一个完整周期。传输类错误中断本周期并返回；单条动作被拒绝只记录并继续。
func (l *Loop) RunCycle(ctx context.Context) (domain.CycleSummary, error) {
	start := l.now()
	summary := domain.CycleSummary{CycleID: l.newID()}
	ctx = domain.WithCycleID(ctx, summary.CycleID)
	log := l.log.WithField("cycle", summary.CycleID)

	// 1. 报价
	offers, err := l.market.FetchOffers(ctx, l.cfg.Filter)
	if err != nil {
		if !domain.IsMalformed(err) {
			return summary, errors.Wrap(err, "fetch offers")
		}
		log.WithError(err).Warn("报价响应格式错误，本周期按空批次处理")
		l.metrics.MalformedBatches.Inc(1)
		offers = nil
	}
	index := policy.NewMarketCostIndex(offers)
	l.rememberCosts(index, offers)

	// 2. 新出价
	newBids, skips := policy.DecideNewBidsWithSkips(offers, l.cfg.Policy)
	summary.Skipped += l.logSkips(log, skips)
	for _, a := range newBids {
		res, err := l.exec.PlaceBid(ctx, a)
		if err != nil {
			if perItem(err) {
				l.logRejected(log, a, err)
				summary.Skipped++
				continue
			}
			return summary, err
		}
		if res.Deduplicated {
			l.metrics.BidsDeduplicated.Inc(1)
			summary.Skipped++
			continue
		}
		l.metrics.BidsPlaced.Inc(1)
		summary.BidsPlaced++
	}

	// 3-4. 实例与活跃 GPU
	instances, err := l.instances.FetchInstances(ctx)
	if err != nil {
		if !domain.IsMalformed(err) {
			return summary, errors.Wrap(err, "fetch instances")
		}
		log.WithError(err).Warn("实例响应格式错误，本周期按空批次处理")
		l.metrics.MalformedBatches.Inc(1)
		instances = nil
	}
	summary.ActiveGPUs = domain.ActiveGPUs(instances)

	// 5. 加价：市场成本按实例自己的 GPU 类别解析
	cost, err := l.resolveCosts(ctx, log, index, instances)
	if err != nil {
		return summary, err
	}
	raises, skips := policy.DecideBidRaisesWithSkips(instances, cost, l.cfg.Policy)
	summary.Skipped += l.logSkips(log, skips)
	for _, a := range raises {
		if _, err := l.exec.RaiseBid(ctx, a); err != nil {
			if perItem(err) {
				l.logRejected(log, a, err)
				summary.Skipped++
				continue
			}
			return summary, err
		}
		l.metrics.BidsRaised.Inc(1)
		summary.BidsRaised++
	}

	// 6. 汇总
	summary.Timestamp = l.now()
	l.metrics.ActiveGPUs.Update(float64(summary.ActiveGPUs))
	l.metrics.CycleLatency.Record(summary.Timestamp.Sub(start))
	log.WithFields(logrus.Fields{
		"active_gpus": summary.ActiveGPUs,
		"timestamp":   summary.Timestamp.Format("2006-01-02 15:04:05"),
		"placed":      summary.BidsPlaced,
		"raised":      summary.BidsRaised,
		"skipped":     summary.Skipped,
	}).Infof("Active GPUs: %d", summary.ActiveGPUs)

	if l.recorder != nil {
		if err := l.recorder.RecordCycle(context.WithoutCancel(ctx), ledger.FromSummary(summary)); err != nil {
			log.WithError(err).Warn("写入周期汇总失败")
		}
	}
	return summary, nil
}

// resolveCosts 为每个被抢占实例的 GPU 类别找市场成本：
// 本周期报价索引 -> 跨周期缓存 -> 按该类别补查一次报价。都没有则该类别未知，不加价。
func (l *Loop) resolveCosts(ctx context.Context, log *logrus.Entry, index *policy.MarketCostIndex, instances []domain.Instance) (policy.MarketCostFunc, error) {
	resolved := make(map[string]decimal.Decimal)
	tried := make(map[string]bool)

	for _, inst := range instances {
		class := inst.GPUClass()
		if !inst.IsOutbid() || class == "" || tried[class] {
			continue
		}
		tried[class] = true

		if c, ok := index.Lookup(inst.GPUModel); ok {
			resolved[class] = c
			l.metrics.MarketCostHits.Inc(1)
			continue
		}
		if l.costCache != nil {
			if c, ok := l.costCache.Get(class); ok {
				resolved[class] = c
				l.metrics.MarketCostHits.Inc(1)
				continue
			}
		}

		l.metrics.MarketCostMisses.Inc(1)
		offers, err := l.market.FetchOffers(ctx, l.cfg.Filter.WithGPUModel(inst.GPUModel))
		if err != nil {
			if !domain.IsMalformed(err) {
				return nil, errors.Wrapf(err, "fetch offers for gpu class %s", inst.GPUModel)
			}
			log.WithError(err).WithField("gpu", inst.GPUModel).Warn("补查报价响应格式错误")
			continue
		}
		classIndex := policy.NewMarketCostIndex(offers)
		l.rememberCosts(classIndex, offers)
		if c, ok := classIndex.Lookup(inst.GPUModel); ok {
			resolved[class] = c
			continue
		}
		log.WithField("gpu", inst.GPUModel).Info("该 GPU 类别当前没有报价，跳过加价")
	}

	return func(inst domain.Instance) (decimal.Decimal, bool) {
		c, ok := resolved[inst.GPUClass()]
		return c, ok
	}, nil
}

func (l *Loop) rememberCosts(index *policy.MarketCostIndex, offers []domain.Offer) {
	if l.costCache == nil {
		return
	}
	for _, o := range offers {
		if c, ok := index.Lookup(o.GPUModel); ok {
			l.costCache.Set(o.GPUClass(), c, 0)
		}
	}
}

func (l *Loop) logSkips(log *logrus.Entry, skips []policy.Skip) int {
	for _, s := range skips {
		log.WithError(s.Err).WithFields(logrus.Fields{"kind": s.Kind, "target": s.ID}).Warn("跳过")
	}
	l.metrics.ItemsSkipped.Inc(int64(len(skips)))
	return len(skips)
}

func (l *Loop) logRejected(log *logrus.Entry, a domain.BidAction, err error) {
	l.metrics.BidsRejected.Inc(1)
	log.WithError(err).WithFields(logrus.Fields{
		"action": string(a.Kind()),
		"target": a.TargetID(),
		"price":  a.Amount().StringFixed(3),
	}).Warn("动作被市场拒绝，继续本周期")
}

// perItem 只影响单条动作的错误：被拒绝，或请求已送达但响应无法解析
func perItem(err error) bool {
	return domain.IsRejected(err) || domain.IsMalformed(err)
}
