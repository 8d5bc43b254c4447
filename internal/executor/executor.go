package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/infrastructure/vast"
	"github.com/betbot/gpubid/internal/ledger"
	"github.com/betbot/gpubid/pkg/logger"
	"github.com/betbot/gpubid/pkg/ratelimit"
)

// Marketplace 执行器需要的变更接口（vast.Client 实现）
type Marketplace interface {
	CreateBid(ctx context.Context, offerID int64, templateHash string, price decimal.Decimal) (vast.CreateBidResponse, error)
	UpdateBid(ctx context.Context, instanceID int64, price decimal.Decimal) (string, error)
}

// Recorder 动作记录（ledger.Store 实现）
type Recorder interface {
	RecordAction(ctx context.Context, r ledger.ActionRecord) (int64, error)
}

// Config 执行器配置
type Config struct {
	TemplateHash string
	DryRun       bool          // 纸交易模式：不发请求，模拟成功
	DedupWindow  time.Duration // 0 关闭去重
}

// Result 一次动作的执行结果
type Result struct {
	Kind         domain.ActionKind
	TargetID     int64
	Price        decimal.Decimal
	InstanceID   int64 // 出价成功后市场返回的新实例 ID
	DryRun       bool
	Deduplicated bool // 窗口内重复出价，未发请求
	Response     string
}

// Executor 逐条执行出价动作：每次只发一个变更请求，之后固定等待
type Executor struct {
	market   Marketplace
	pacer    ratelimit.Pacer
	cfg      Config
	dedup    *BidDeduper
	recorder Recorder
	now      func() time.Time
	log      *logrus.Entry
}

// Option 执行器选项
type Option func(*Executor)

// WithRecorder 记录每个动作
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithClock 替换时钟（去重窗口和记录时间）
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func New(market Marketplace, pacer ratelimit.Pacer, cfg Config, log *logrus.Logger, opts ...Option) *Executor {
	e := &Executor{
		market: market,
		pacer:  pacer,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.Component(log, "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dedup = NewBidDeduper(cfg.DedupWindow, e.now)
	return e
}

// Deduper 去重器（可能为 nil）
func (e *Executor) Deduper() *BidDeduper {
	return e.dedup
}

// PlaceBid 对报价发起新出价
func (e *Executor) PlaceBid(ctx context.Context, a domain.PlaceBid) (Result, error) {
	res := Result{Kind: domain.ActionPlaceBid, TargetID: a.OfferID, Price: a.Price, DryRun: e.cfg.DryRun}
	perGPU := domain.PerGPU(a.Price, a.NumGPUs)
	entry := e.entry(ctx, a).WithField("per_gpu", perGPU.StringFixed(3))

	if err := e.dedup.TryAcquire(a.OfferID); err != nil {
		res.Deduplicated = true
		entry.WithField("window", e.dedup.Window()).Info("窗口内已对该报价出价，跳过")
		e.record(ctx, res, a.NumGPUs, ledger.StatusDeduplicated, nil)
		return res, nil
	}

	if e.cfg.DryRun {
		entry.Infof("📝 [纸交易] 模拟出价: machine %d at $%s total ($%s/GPU)",
			a.OfferID, a.Price.StringFixed(3), perGPU.StringFixed(3))
		e.record(ctx, res, a.NumGPUs, ledger.StatusDryRun, nil)
		return res, nil
	}

	entry.Infof("Placing bid on machine %d at $%s total ($%s/GPU)", a.OfferID, a.Price.StringFixed(3), perGPU.StringFixed(3))
	resp, err := e.market.CreateBid(ctx, a.OfferID, e.cfg.TemplateHash, a.Price)
	pauseErr := e.pause(ctx)
	res.Response = resp.Raw
	if err != nil {
		// 请求没有确定落地时释放，允许下个周期重试；被拒绝或响应异常时保留
		if !domain.IsRejected(err) && !domain.IsMalformed(err) {
			e.dedup.Release(a.OfferID)
		}
		e.record(ctx, res, a.NumGPUs, statusOf(err), err)
		return res, errors.Wrapf(err, "place bid on offer %d", a.OfferID)
	}

	res.InstanceID = resp.NewContract
	entry.WithField("instance", resp.NewContract).Infof("Bid response: %s", resp.Raw)
	e.record(ctx, res, a.NumGPUs, ledger.StatusOK, nil)
	return res, pauseErr
}

// RaiseBid 对被抢占的竞价实例加价
func (e *Executor) RaiseBid(ctx context.Context, a domain.RaiseBid) (Result, error) {
	res := Result{Kind: domain.ActionRaiseBid, TargetID: a.InstanceID, Price: a.NewPrice, InstanceID: a.InstanceID, DryRun: e.cfg.DryRun}
	perGPU := domain.PerGPU(a.NewPrice, a.NumGPUs)
	entry := e.entry(ctx, a).WithFields(logrus.Fields{
		"per_gpu":   perGPU.StringFixed(3),
		"old_price": a.OldPrice.StringFixed(3),
	})

	if e.cfg.DryRun {
		entry.Infof("📝 [纸交易] 模拟加价: instance %d to $%s (was $%s)",
			a.InstanceID, a.NewPrice.StringFixed(3), a.OldPrice.StringFixed(3))
		e.record(ctx, res, a.NumGPUs, ledger.StatusDryRun, nil)
		return res, nil
	}

	entry.Infof("Updating bid on instance %d to $%s (was $%s)", a.InstanceID, a.NewPrice.StringFixed(3), a.OldPrice.StringFixed(3))
	raw, err := e.market.UpdateBid(ctx, a.InstanceID, a.NewPrice)
	pauseErr := e.pause(ctx)
	res.Response = raw
	if err != nil {
		e.record(ctx, res, a.NumGPUs, statusOf(err), err)
		return res, errors.Wrapf(err, "raise bid on instance %d", a.InstanceID)
	}

	entry.Infof("Changed bid for instance %d - %d GPUs at $%s total ($%s/GPU)",
		a.InstanceID, a.NumGPUs, a.NewPrice.StringFixed(3), perGPU.StringFixed(3))
	entry.Infof("Bid update response: %s", raw)
	e.record(ctx, res, a.NumGPUs, ledger.StatusOK, nil)
	return res, pauseErr
}

// pause 无论请求成败都等待固定间隔
func (e *Executor) pause(ctx context.Context) error {
	if e.pacer == nil {
		return nil
	}
	return e.pacer.Pause(ctx)
}

func (e *Executor) entry(ctx context.Context, a domain.BidAction) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{
		"cycle":  domain.CycleIDFromContext(ctx),
		"action": string(a.Kind()),
		"target": a.TargetID(),
		"price":  a.Amount().StringFixed(3),
	})
}

func (e *Executor) record(ctx context.Context, res Result, numGPUs int, status string, cause error) {
	if e.recorder == nil {
		return
	}
	r := ledger.ActionRecord{
		CycleID:    domain.CycleIDFromContext(ctx),
		Kind:       res.Kind,
		TargetID:   res.TargetID,
		Price:      res.Price,
		PerGPU:     domain.PerGPU(res.Price, numGPUs),
		NumGPUs:    numGPUs,
		InstanceID: res.InstanceID,
		Status:     status,
		Response:   res.Response,
		CreatedAt:  e.now(),
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	// ctx 可能已取消，记录不应随之丢失
	if _, err := e.recorder.RecordAction(context.WithoutCancel(ctx), r); err != nil {
		e.log.WithError(err).WithField("target", res.TargetID).Warn("写入动作记录失败")
	}
}

func statusOf(err error) string {
	switch {
	case domain.IsRejected(err):
		return ledger.StatusRejected
	case domain.IsMalformed(err):
		return ledger.StatusMalformed
	}
	return ledger.StatusFailed
}
