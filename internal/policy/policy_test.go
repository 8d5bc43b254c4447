package policy

import (
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gpubid/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultConfig() Config {
	return Config{CostCeilingPerGPU: d("0.20"), BidMultiplier: d("2.1")}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, defaultConfig().Validate())
	assert.Error(t, Config{CostCeilingPerGPU: d("0.2"), BidMultiplier: d("1")}.Validate())
	assert.Error(t, Config{CostCeilingPerGPU: d("-0.1"), BidMultiplier: d("2")}.Validate())
}

// 场景 A：{id=1, 2 卡, 0.30/h} -> 单卡 0.15 <= 0.20 -> PlaceBid{1, 0.63}
func TestDecideNewBids_ScenarioA(t *testing.T) {
	offers := []domain.Offer{{ID: 1, GPUModel: "RTX 4090", NumGPUs: 2, TotalHourlyPrice: d("0.30")}}
	bids := DecideNewBids(offers, defaultConfig())
	require.Len(t, bids, 1)
	assert.Equal(t, int64(1), bids[0].OfferID)
	assert.True(t, bids[0].Price.Equal(d("0.63")), "price=%s", bids[0].Price)
}

// 场景 B：{id=2, 1 卡, 0.25/h} -> 单卡 0.25 > 0.20 -> 无动作
func TestDecideNewBids_ScenarioB(t *testing.T) {
	offers := []domain.Offer{{ID: 2, GPUModel: "RTX 4090", NumGPUs: 1, TotalHourlyPrice: d("0.25")}}
	assert.Empty(t, DecideNewBids(offers, defaultConfig()))
}

func TestDecideNewBids_BoundaryAndOrder(t *testing.T) {
	offers := []domain.Offer{
		{ID: 10, NumGPUs: 1, TotalHourlyPrice: d("0.20")},  // 恰好等于上限
		{ID: 11, NumGPUs: 4, TotalHourlyPrice: d("0.81")},  // 0.2025 > 上限
		{ID: 12, NumGPUs: 0, TotalHourlyPrice: d("0.10")},  // 非法
		{ID: 13, NumGPUs: 8, TotalHourlyPrice: d("1.20")},  // 0.15
		{ID: 14, NumGPUs: 1, TotalHourlyPrice: d("-0.01")}, // 非法
	}
	bids, skips := DecideNewBidsWithSkips(offers, defaultConfig())
	require.Len(t, bids, 2)
	assert.Equal(t, int64(10), bids[0].OfferID)
	assert.True(t, bids[0].Price.Equal(d("0.42")))
	assert.Equal(t, int64(13), bids[1].OfferID)
	assert.True(t, bids[1].Price.Equal(d("2.52")))

	require.Len(t, skips, 2)
	assert.Equal(t, int64(12), skips[0].ID)
	assert.True(t, domain.IsPolicyViolation(skips[0].Err))
	assert.Equal(t, int64(14), skips[1].ID)
}

// 场景 C：被抢占实例 min_bid=0.10，所属类别市场成本 0.18 <= 0.20 -> RaiseBid{9, 0.21}
func TestDecideBidRaises_ScenarioC(t *testing.T) {
	instances := []domain.Instance{{
		ID: 9, GPUModel: "RTX 4090", NumGPUs: 1, IsBid: true,
		IntendedStatus: domain.StatusStopped, ActualStatus: domain.StatusStopped, MinBid: d("0.10"),
	}}
	cost := func(inst domain.Instance) (decimal.Decimal, bool) { return d("0.18"), true }

	raises := DecideBidRaises(instances, cost, defaultConfig())
	require.Len(t, raises, 1)
	assert.Equal(t, int64(9), raises[0].InstanceID)
	assert.True(t, raises[0].NewPrice.Equal(d("0.21")), "newPrice=%s", raises[0].NewPrice)
	assert.True(t, raises[0].OldPrice.Equal(d("0.10")))
}

func TestDecideBidRaises_Eligibility(t *testing.T) {
	instances := []domain.Instance{
		{ID: 1, GPUModel: "RTX 4090", NumGPUs: 1, IsBid: true, IntendedStatus: domain.StatusStopped, MinBid: d("0.10")},
		{ID: 2, GPUModel: "RTX 4090", NumGPUs: 1, IsBid: false, IntendedStatus: domain.StatusStopped, MinBid: d("0.10")},
		{ID: 3, GPUModel: "RTX 4090", NumGPUs: 1, IsBid: true, IntendedStatus: domain.StatusRunning, MinBid: d("0.10")},
		{ID: 4, GPUModel: "A100 SXM4", NumGPUs: 1, IsBid: true, IntendedStatus: domain.StatusStopped, MinBid: d("0.50")},
		{ID: 5, GPUModel: "H100 SXM", NumGPUs: 1, IsBid: true, IntendedStatus: domain.StatusStopped, MinBid: d("0.90")},
		{ID: 6, GPUModel: "RTX 4090", NumGPUs: 0, IsBid: true, IntendedStatus: domain.StatusStopped, MinBid: d("0.10")},
	}
	idx := NewMarketCostIndex([]domain.Offer{
		{ID: 100, GPUModel: "RTX 4090", NumGPUs: 2, TotalHourlyPrice: d("0.36")}, // 0.18
		{ID: 101, GPUModel: "A100 SXM4", NumGPUs: 1, TotalHourlyPrice: d("0.95")}, // 0.95 > 上限
	})

	raises, skips := DecideBidRaisesWithSkips(instances, idx.ForInstance(), defaultConfig())
	require.Len(t, raises, 1)
	assert.Equal(t, int64(1), raises[0].InstanceID)

	// H100 无报价 -> 成本未知；ID 6 数据非法
	require.Len(t, skips, 2)
	assert.Equal(t, int64(5), skips[0].ID)
	assert.Equal(t, int64(6), skips[1].ID)
	assert.True(t, domain.IsPolicyViolation(skips[1].Err))
}

// 每个实例的市场成本必须来自它自己的 GPU 类别：最后看到的便宜报价不能让别的类别的实例通过
func TestDecideBidRaises_NoCrossClassReuse(t *testing.T) {
	offers := []domain.Offer{
		{ID: 1, GPUModel: "A100 SXM4", NumGPUs: 1, TotalHourlyPrice: d("0.90")},
		{ID: 2, GPUModel: "RTX 4090", NumGPUs: 1, TotalHourlyPrice: d("0.15")}, // 最后一条，便宜
	}
	instances := []domain.Instance{
		{ID: 7, GPUModel: "A100_SXM4", NumGPUs: 1, IsBid: true, IntendedStatus: domain.StatusStopped, MinBid: d("0.40")},
	}
	raises := DecideBidRaises(instances, NewMarketCostIndex(offers).ForInstance(), defaultConfig())
	assert.Empty(t, raises)
}

func TestDecideBidRaises_NilCostFunc(t *testing.T) {
	instances := []domain.Instance{
		{ID: 1, GPUModel: "RTX 4090", NumGPUs: 1, IsBid: true, IntendedStatus: domain.StatusStopped, MinBid: d("0.10")},
	}
	raises, skips := DecideBidRaisesWithSkips(instances, nil, defaultConfig())
	assert.Empty(t, raises)
	assert.Len(t, skips, 1)
}

func TestMarketCostIndex(t *testing.T) {
	idx := NewMarketCostIndex([]domain.Offer{
		{ID: 1, GPUModel: "RTX 4090", NumGPUs: 2, TotalHourlyPrice: d("0.40")},
		{ID: 2, GPUModel: "RTX_4090", NumGPUs: 1, TotalHourlyPrice: d("0.17")},
		{ID: 3, GPUModel: "RTX 3090", NumGPUs: 0, TotalHourlyPrice: d("0.01")},
	})
	c, ok := idx.Lookup("rtx 4090")
	require.True(t, ok)
	assert.True(t, c.Equal(d("0.17")))
	assert.False(t, idx.Has("RTX 3090"))
	assert.Equal(t, 1, idx.Len())

	idx.Add([]domain.Offer{{ID: 4, GPUModel: "RTX 3090", NumGPUs: 1, TotalHourlyPrice: d("0.09")}})
	assert.True(t, idx.Has("RTX_3090"))

	var nilIdx *MarketCostIndex
	_, ok = nilIdx.Lookup("RTX 4090")
	assert.False(t, ok)
}

func randomOffers(r *rand.Rand, n int) []domain.Offer {
	offers := make([]domain.Offer, n)
	for i := range offers {
		offers[i] = domain.Offer{
			ID:               int64(i + 1),
			GPUModel:         "RTX 4090",
			NumGPUs:          r.Intn(9), // 0 也会出现
			TotalHourlyPrice: decimal.New(r.Int63n(200), -2),
		}
	}
	return offers
}

// 属性：上限内的报价恰好产出一个 PlaceBid 且价格 = 总价 × 倍数；超过上限的不产出；重复调用结果一致
func TestProperty_NewBids(t *testing.T) {
	cfg := defaultConfig()
	property := func(seed int64, size uint8) bool {
		r := rand.New(rand.NewSource(seed))
		offers := randomOffers(r, int(size%32))
		bids := DecideNewBids(offers, cfg)

		byID := make(map[int64]domain.PlaceBid, len(bids))
		for _, b := range bids {
			if _, dup := byID[b.OfferID]; dup {
				return false
			}
			byID[b.OfferID] = b
		}
		for _, o := range offers {
			b, emitted := byID[o.ID]
			eligible := o.NumGPUs > 0 && o.CostPerGPU().LessThanOrEqual(cfg.CostCeilingPerGPU)
			if eligible != emitted {
				return false
			}
			if emitted && !b.Price.Equal(o.TotalHourlyPrice.Mul(cfg.BidMultiplier)) {
				return false
			}
		}
		return reflect.DeepEqual(bids, DecideNewBids(offers, cfg))
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}

// 属性：加价条件 is_bid ∧ stopped ∧ 市场成本 <= 上限，新价格 = min_bid × 倍数；结果确定
func TestProperty_Raises(t *testing.T) {
	cfg := defaultConfig()
	property := func(seed int64, size uint8) bool {
		r := rand.New(rand.NewSource(seed))
		n := int(size % 32)
		instances := make([]domain.Instance, n)
		costs := make(map[int64]decimal.Decimal, n)
		for i := range instances {
			status := domain.StatusRunning
			if r.Intn(2) == 0 {
				status = domain.StatusStopped
			}
			instances[i] = domain.Instance{
				ID:             int64(i + 1),
				GPUModel:       "RTX 4090",
				NumGPUs:        1 + r.Intn(8),
				IsBid:          r.Intn(2) == 0,
				IntendedStatus: status,
				MinBid:         decimal.New(r.Int63n(100), -2),
			}
			costs[instances[i].ID] = decimal.New(r.Int63n(40), -2)
		}
		cost := func(inst domain.Instance) (decimal.Decimal, bool) { return costs[inst.ID], true }

		raises := DecideBidRaises(instances, cost, cfg)
		byID := make(map[int64]domain.RaiseBid, len(raises))
		for _, rb := range raises {
			byID[rb.InstanceID] = rb
		}
		if len(byID) != len(raises) {
			return false
		}
		for _, inst := range instances {
			rb, emitted := byID[inst.ID]
			eligible := inst.IsBid && inst.IntendedStatus == domain.StatusStopped &&
				costs[inst.ID].LessThanOrEqual(cfg.CostCeilingPerGPU)
			if eligible != emitted {
				return false
			}
			if emitted && !rb.NewPrice.Equal(inst.MinBid.Mul(cfg.BidMultiplier)) {
				return false
			}
		}
		return reflect.DeepEqual(raises, DecideBidRaises(instances, cost, cfg))
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}
