package vast

import (
	"encoding/json"

	"github.com/betbot/gpubid/internal/domain"
)

// 实例类型
const (
	InstanceClassInterruptible = "interruptible"
	InstanceClassOnDemand      = "on-demand"
)

// Query 报价搜索条件
type Query struct {
	GPUModel      string // 例如 RTX_4090
	InstanceClass string // interruptible / on-demand
	SortKey       string // 例如 flops_per_dphtotal
	Limit         int
	// Extra 额外的原始过滤条件，例如 {"reliability2": {"gte": 0.98}}
	Extra map[string]any
}

// WithGPUModel 返回替换了 GPU 型号的副本
func (q Query) WithGPUModel(model string) Query {
	cp := q
	cp.GPUModel = model
	return cp
}

// Encode 编码为 bundles 接口的 q 参数
func (q Query) Encode() (string, error) {
	m := make(map[string]any, len(q.Extra)+5)
	for k, v := range q.Extra {
		m[k] = v
	}
	m["rentable"] = map[string]any{"eq": true}
	if q.GPUModel != "" {
		m["gpu_name"] = map[string]any{"eq": domain.NormalizeGPUModel(q.GPUModel)}
	}
	switch q.InstanceClass {
	case InstanceClassOnDemand:
		m["type"] = "on-demand"
	default:
		m["type"] = "bid"
	}
	if q.SortKey != "" {
		m["order"] = [][]string{{q.SortKey, "desc"}}
	}
	if q.Limit > 0 {
		m["limit"] = q.Limit
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
