// Package policy 是纯函数决策层：根据报价/实例快照和出价配置决定需要的变更动作。
// 不做 IO，不持有状态，同一快照重复调用得到相同结果。
package policy

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gpubid/internal/domain"
)

// Config 出价策略配置，进程生命周期内不变
type Config struct {
	CostCeilingPerGPU decimal.Decimal // 单卡每小时成本上限
	BidMultiplier     decimal.Decimal // 出价倍数（> 1）
}

// Validate 检查策略配置
func (c Config) Validate() error {
	if c.CostCeilingPerGPU.IsNegative() {
		return errors.Errorf("cost ceiling must not be negative, got %s", c.CostCeilingPerGPU)
	}
	if c.BidMultiplier.LessThanOrEqual(decimal.NewFromInt(1)) {
		return errors.Errorf("bid multiplier must be > 1, got %s", c.BidMultiplier)
	}
	return nil
}

// MarketCostFunc 查询实例所属 GPU 类别当前的市场单卡成本；第二个返回值表示是否查到
type MarketCostFunc func(inst domain.Instance) (decimal.Decimal, bool)

// Skip 被跳过的条目及原因
type Skip struct {
	Kind string
	ID   int64
	Err  error
}

// DecideNewBids 对每条单卡成本不超过上限的报价产出一个 PlaceBid，价格 = 总价 × 倍数。
// 输出顺序与输入一致。
func DecideNewBids(offers []domain.Offer, cfg Config) []domain.PlaceBid {
	bids, _ := DecideNewBidsWithSkips(offers, cfg)
	return bids
}

// DecideNewBidsWithSkips 同 DecideNewBids，额外返回因数据不合法被跳过的报价
func DecideNewBidsWithSkips(offers []domain.Offer, cfg Config) ([]domain.PlaceBid, []Skip) {
	var (
		bids  []domain.PlaceBid
		skips []Skip
	)
	for _, o := range offers {
		if err := o.Validate(); err != nil {
			skips = append(skips, Skip{Kind: "offer", ID: o.ID, Err: err})
			continue
		}
		if o.CostPerGPU().GreaterThan(cfg.CostCeilingPerGPU) {
			continue
		}
		bids = append(bids, domain.PlaceBid{
			OfferID: o.ID,
			Price:   o.TotalHourlyPrice.Mul(cfg.BidMultiplier),
			NumGPUs: o.NumGPUs,
		})
	}
	return bids, skips
}

// DecideBidRaises 对被抢占（is_bid 且 intended_status=stopped）、且所属 GPU 类别市场成本
// 不超过上限的实例产出 RaiseBid，新价格 = min_bid × 倍数。
// 市场成本必须按实例自己的 GPU 类别查询，查不到则不加价。
func DecideBidRaises(instances []domain.Instance, cost MarketCostFunc, cfg Config) []domain.RaiseBid {
	raises, _ := DecideBidRaisesWithSkips(instances, cost, cfg)
	return raises
}

// DecideBidRaisesWithSkips 同 DecideBidRaises，额外返回被跳过的实例（数据不合法或市场成本未知）
func DecideBidRaisesWithSkips(instances []domain.Instance, cost MarketCostFunc, cfg Config) ([]domain.RaiseBid, []Skip) {
	var (
		raises []domain.RaiseBid
		skips  []Skip
	)
	for _, inst := range instances {
		if !inst.IsOutbid() {
			continue
		}
		if err := inst.Validate(); err != nil {
			skips = append(skips, Skip{Kind: "instance", ID: inst.ID, Err: err})
			continue
		}
		if cost == nil {
			skips = append(skips, Skip{Kind: "instance", ID: inst.ID, Err: errUnknownMarketCost(inst)})
			continue
		}
		marketCost, ok := cost(inst)
		if !ok {
			skips = append(skips, Skip{Kind: "instance", ID: inst.ID, Err: errUnknownMarketCost(inst)})
			continue
		}
		if marketCost.GreaterThan(cfg.CostCeilingPerGPU) {
			continue
		}
		raises = append(raises, domain.RaiseBid{
			InstanceID: inst.ID,
			NewPrice:   inst.MinBid.Mul(cfg.BidMultiplier),
			OldPrice:   inst.MinBid,
			NumGPUs:    inst.NumGPUs,
		})
	}
	return raises, skips
}

func errUnknownMarketCost(inst domain.Instance) error {
	return errors.Errorf("no market cost for gpu class %q", inst.GPUModel)
}
