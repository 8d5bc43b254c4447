package policy

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/gpubid/internal/domain"
)

// MarketCostIndex 按 GPU 类别索引的市场单卡成本（取该类别最低的 CostPerGPU）。
// 每个周期用本周期的报价重新构建，避免拿上一条不相关报价的成本去判断实例。
type MarketCostIndex struct {
	costs map[string]decimal.Decimal
}

// NewMarketCostIndex 用一批报价构建索引，不合法的报价被忽略
func NewMarketCostIndex(offers []domain.Offer) *MarketCostIndex {
	idx := &MarketCostIndex{costs: make(map[string]decimal.Decimal)}
	idx.Add(offers)
	return idx
}

// Add 合并更多报价（例如按类别补查得到的报价）
func (m *MarketCostIndex) Add(offers []domain.Offer) {
	for _, o := range offers {
		if o.Validate() != nil {
			continue
		}
		key := o.GPUClass()
		if key == "" {
			continue
		}
		c := o.CostPerGPU()
		if cur, ok := m.costs[key]; !ok || c.LessThan(cur) {
			m.costs[key] = c
		}
	}
}

// Lookup 按 GPU 类别查询
func (m *MarketCostIndex) Lookup(gpuModel string) (decimal.Decimal, bool) {
	if m == nil {
		return decimal.Zero, false
	}
	c, ok := m.costs[domain.GPUClassKey(gpuModel)]
	return c, ok
}

// Has 是否已索引该类别
func (m *MarketCostIndex) Has(gpuModel string) bool {
	_, ok := m.Lookup(gpuModel)
	return ok
}

// Len 已索引的类别数
func (m *MarketCostIndex) Len() int {
	if m == nil {
		return 0
	}
	return len(m.costs)
}

// ForInstance 适配为 MarketCostFunc
func (m *MarketCostIndex) ForInstance() MarketCostFunc {
	return func(inst domain.Instance) (decimal.Decimal, bool) {
		return m.Lookup(inst.GPUModel)
	}
}
