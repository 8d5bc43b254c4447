// Package observer 拉取市场报价和自有实例，逐条解码并归一化为 domain 类型。
// 单条数据损坏只跳过该条；传输错误原样返回，不在这里重试。
package observer

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/infrastructure/vast"
	"github.com/betbot/gpubid/pkg/logger"
	"github.com/betbot/gpubid/pkg/ratelimit"
)

const (
	opFetchOffers    = "fetch_offers"
	opFetchInstances = "fetch_instances"
)

// OfferSource 报价查询（vast.Client 实现）
type OfferSource interface {
	SearchOffers(ctx context.Context, q vast.Query) ([]json.RawMessage, error)
}

// InstanceSource 实例查询（vast.Client 实现）
type InstanceSource interface {
	ListInstances(ctx context.Context) ([]json.RawMessage, error)
}

type options struct {
	pacer ratelimit.Pacer
}

// Option 观察者选项
type Option func(*options)

// WithPacer 每次查询成功后等待（与变更请求共用同一个固定间隔）
func WithPacer(p ratelimit.Pacer) Option {
	return func(o *options) { o.pacer = p }
}

func applyOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// MarketObserver 拉取报价
type MarketObserver struct {
	source OfferSource
	opts   options
	log    *logrus.Entry
}

func NewMarketObserver(source OfferSource, log *logrus.Logger, opts ...Option) *MarketObserver {
	return &MarketObserver{
		source: source,
		opts:   applyOptions(opts),
		log:    logger.Component(log, "market_observer"),
	}
}

// FetchOffers 一次网络请求，返回可用于策略计算的报价（保持服务端顺序）
func (o *MarketObserver) FetchOffers(ctx context.Context, filter vast.Query) ([]domain.Offer, error) {
	items, err := o.source.SearchOffers(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := pause(ctx, o.opts.pacer); err != nil {
		return nil, err
	}

	offers := make([]domain.Offer, 0, len(items))
	for i, item := range items {
		offer, err := vast.DecodeOffer(item)
		if err != nil {
			o.log.WithError(&domain.MalformedResponseError{Op: opFetchOffers, Index: i, Err: err}).
				Warn("跳过无法解析的报价")
			continue
		}
		if err := offer.Validate(); err != nil {
			o.log.WithError(err).WithField("offer", offer.ID).Warn("跳过不合法的报价")
			continue
		}
		o.log.WithFields(logrus.Fields{
			"offer":   offer.ID,
			"machine": offer.MachineID,
			"gpus":    offer.NumGPUs,
			"gpu":     offer.GPUModel,
			"dph":     offer.TotalHourlyPrice.StringFixed(3),
			"per_gpu": offer.CostPerGPU().StringFixed(3),
		}).Infof("Found machine %d with %d x %s at $%s/GPU/hr",
			offer.ID, offer.NumGPUs, offer.GPUModel, offer.CostPerGPU().StringFixed(3))
		offers = append(offers, offer)
	}
	o.log.WithFields(logrus.Fields{"gpu": filter.GPUModel, "received": len(items), "usable": len(offers)}).
		Debug("报价拉取完成")
	return offers, nil
}

// InstanceObserver 拉取自有实例
type InstanceObserver struct {
	source InstanceSource
	opts   options
	log    *logrus.Entry
}

func NewInstanceObserver(source InstanceSource, log *logrus.Logger, opts ...Option) *InstanceObserver {
	return &InstanceObserver{
		source: source,
		opts:   applyOptions(opts),
		log:    logger.Component(log, "instance_observer"),
	}
}

// FetchInstances 一次网络请求，返回当前账户下可解析的实例
func (o *InstanceObserver) FetchInstances(ctx context.Context) ([]domain.Instance, error) {
	items, err := o.source.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	if err := pause(ctx, o.opts.pacer); err != nil {
		return nil, err
	}

	instances := make([]domain.Instance, 0, len(items))
	for i, item := range items {
		inst, err := vast.DecodeInstance(item)
		if err != nil {
			o.log.WithError(&domain.MalformedResponseError{Op: opFetchInstances, Index: i, Err: err}).
				Warn("跳过无法解析的实例")
			continue
		}
		if err := inst.Validate(); err != nil {
			o.log.WithError(err).WithField("instance", inst.ID).Warn("跳过不合法的实例")
			continue
		}
		if inst.IsRunning() {
			o.log.WithFields(logrus.Fields{"instance": inst.ID, "gpus": inst.NumGPUs}).
				Infof("Instance %d running with %d GPUs", inst.ID, inst.NumGPUs)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func pause(ctx context.Context, p ratelimit.Pacer) error {
	if p == nil {
		return nil
	}
	return p.Pause(ctx)
}
