package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Offer 市场上的一条可租用算力报价（每个周期重新拉取，不做持久化）
type Offer struct {
	ID               int64           // 报价 ID（vast.ai ask id）
	MachineID        int64           // 机器 ID（仅用于日志）
	GPUModel         string          // GPU 型号（已归一化，例如 "RTX 4090"）
	NumGPUs          int             // GPU 数量，必须 > 0
	TotalHourlyPrice decimal.Decimal // 整机每小时总价（dph_total）
	MinBid           decimal.Decimal // 市场给出的最低出价（可选）
	FlopsPerDollar   float64         // flops_per_dphtotal（排序用，可选）
}

// CostPerGPU 单卡每小时成本 = 总价 / GPU 数量
// NumGPUs <= 0 时返回 0，调用方应先用 Validate 过滤
func (o Offer) CostPerGPU() decimal.Decimal {
	if o.NumGPUs <= 0 {
		return decimal.Zero
	}
	return o.TotalHourlyPrice.Div(decimal.NewFromInt(int64(o.NumGPUs)))
}

// GPUClass 返回用于市场成本索引的 GPU 类别 key
func (o Offer) GPUClass() string {
	return GPUClassKey(o.GPUModel)
}

// Validate 检查报价是否满足策略计算的前提
func (o Offer) Validate() error {
	if o.NumGPUs <= 0 {
		return &PolicyViolation{Kind: "offer", ID: o.ID, Reason: "num_gpus must be positive"}
	}
	if o.TotalHourlyPrice.IsNegative() {
		return &PolicyViolation{Kind: "offer", ID: o.ID, Reason: "dph_total must not be negative"}
	}
	return nil
}

// NormalizeGPUModel 统一 GPU 型号写法："RTX_4090" / " RTX  4090 " -> "RTX 4090"
func NormalizeGPUModel(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	return strings.Join(strings.Fields(name), " ")
}

// GPUClassKey GPU 类别比较用的 key（大小写不敏感）
func GPUClassKey(name string) string {
	return strings.ToUpper(NormalizeGPUModel(name))
}
