package domain

import (
	"github.com/shopspring/decimal"
)

// 实例实际状态（actual_status），其余值原样透传
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusExited  = "exited"
	StatusLoading = "loading"
	StatusCreated = "created"
)

// Instance 账户下的实例快照。实例归市场所有，本系统只观测和远程修改，不在周期之间保存本地副本。
//
// intended_status 的状态机由市场驱动：被更高出价抢占时 running -> stopped，
// 加价成功后 stopped -> running。本系统只通过加价请求影响它。
type Instance struct {
	ID               int64
	MachineID        int64
	GPUModel         string
	NumGPUs          int
	ActualStatus     string
	IntendedStatus   string
	IsBid            bool
	MinBid           decimal.Decimal
	TotalHourlyPrice decimal.Decimal
}

// IsRunning 实例是否实际在运行
func (i Instance) IsRunning() bool {
	return i.ActualStatus == StatusRunning
}

// IsOutbid 竞价实例被抢占（市场把 intended_status 置为 stopped）
func (i Instance) IsOutbid() bool {
	return i.IsBid && i.IntendedStatus == StatusStopped
}

// GPUClass 返回用于市场成本索引的 GPU 类别 key
func (i Instance) GPUClass() string {
	return GPUClassKey(i.GPUModel)
}

// Validate 检查实例是否满足策略计算的前提
func (i Instance) Validate() error {
	if i.NumGPUs <= 0 {
		return &PolicyViolation{Kind: "instance", ID: i.ID, Reason: "num_gpus must be positive"}
	}
	if i.MinBid.IsNegative() {
		return &PolicyViolation{Kind: "instance", ID: i.ID, Reason: "min_bid must not be negative"}
	}
	return nil
}

// ActiveGPUs 统计实际运行中的 GPU 数量
func ActiveGPUs(instances []Instance) int {
	total := 0
	for _, inst := range instances {
		if inst.IsRunning() {
			total += inst.NumGPUs
		}
	}
	return total
}
