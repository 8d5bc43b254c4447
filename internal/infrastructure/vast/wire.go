package vast

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gpubid/internal/domain"
)

type offerWire struct {
	ID               *int64              `json:"id"`
	MachineID        int64               `json:"machine_id"`
	GPUName          *string             `json:"gpu_name"`
	NumGPUs          *int                `json:"num_gpus"`
	DphTotal         decimal.NullDecimal `json:"dph_total"`
	MinBid           decimal.NullDecimal `json:"min_bid"`
	FlopsPerDphtotal float64             `json:"flops_per_dphtotal"`
}

type instanceWire struct {
	ID             *int64              `json:"id"`
	MachineID      int64               `json:"machine_id"`
	GPUName        string              `json:"gpu_name"`
	NumGPUs        *int                `json:"num_gpus"`
	ActualStatus   *string             `json:"actual_status"`
	IntendedStatus *string             `json:"intended_status"`
	IsBid          *bool               `json:"is_bid"`
	MinBid         decimal.NullDecimal `json:"min_bid"`
	DphTotal       decimal.NullDecimal `json:"dph_total"`
}

// DecodeOffer 解码单条报价。缺少必需字段返回普通错误，由调用方包装为 MalformedResponseError。
func DecodeOffer(raw json.RawMessage) (domain.Offer, error) {
	var w offerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Offer{}, err
	}
	switch {
	case w.ID == nil:
		return domain.Offer{}, errors.New("missing id")
	case w.NumGPUs == nil:
		return domain.Offer{}, errors.New("missing num_gpus")
	case !w.DphTotal.Valid:
		return domain.Offer{}, errors.New("missing dph_total")
	}
	o := domain.Offer{
		ID:               *w.ID,
		MachineID:        w.MachineID,
		NumGPUs:          *w.NumGPUs,
		TotalHourlyPrice: w.DphTotal.Decimal,
		FlopsPerDollar:   w.FlopsPerDphtotal,
	}
	if w.GPUName != nil {
		o.GPUModel = domain.NormalizeGPUModel(*w.GPUName)
	}
	if w.MinBid.Valid {
		o.MinBid = w.MinBid.Decimal
	}
	return o, nil
}

// DecodeInstance 解码单条实例
func DecodeInstance(raw json.RawMessage) (domain.Instance, error) {
	var w instanceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Instance{}, err
	}
	switch {
	case w.ID == nil:
		return domain.Instance{}, errors.New("missing id")
	case w.NumGPUs == nil:
		return domain.Instance{}, errors.New("missing num_gpus")
	}
	inst := domain.Instance{
		ID:        *w.ID,
		MachineID: w.MachineID,
		GPUModel:  domain.NormalizeGPUModel(w.GPUName),
		NumGPUs:   *w.NumGPUs,
	}
	// 实例创建中 actual_status 可能为 null
	if w.ActualStatus != nil {
		inst.ActualStatus = *w.ActualStatus
	}
	if w.IntendedStatus != nil {
		inst.IntendedStatus = *w.IntendedStatus
	}
	if w.IsBid != nil {
		inst.IsBid = *w.IsBid
	}
	if w.DphTotal.Valid {
		inst.TotalHourlyPrice = w.DphTotal.Decimal
	}
	if w.MinBid.Valid {
		inst.MinBid = w.MinBid.Decimal
	} else if inst.IsBid {
		return domain.Instance{}, errors.New("missing min_bid on bid instance")
	}
	return inst, nil
}
