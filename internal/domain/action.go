package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind 动作类型
type ActionKind string

const (
	ActionPlaceBid ActionKind = "place_bid"
	ActionRaiseBid ActionKind = "raise_bid"
)

// BidAction 策略产出的变更动作：PlaceBid | RaiseBid
type BidAction interface {
	Kind() ActionKind
	TargetID() int64
	Amount() decimal.Decimal
}

// PlaceBid 对一条报价发起新出价
type PlaceBid struct {
	OfferID int64
	Price   decimal.Decimal
	NumGPUs int // 仅用于日志（单卡出价）
}

func (a PlaceBid) Kind() ActionKind        { return ActionPlaceBid }
func (a PlaceBid) TargetID() int64         { return a.OfferID }
func (a PlaceBid) Amount() decimal.Decimal { return a.Price }

// RaiseBid 对被抢占的竞价实例加价
type RaiseBid struct {
	InstanceID int64
	NewPrice   decimal.Decimal
	OldPrice   decimal.Decimal // 原 min_bid，仅用于日志
	NumGPUs    int
}

func (a RaiseBid) Kind() ActionKind        { return ActionRaiseBid }
func (a RaiseBid) TargetID() int64         { return a.InstanceID }
func (a RaiseBid) Amount() decimal.Decimal { return a.NewPrice }

// PerGPU 单卡价格（numGPUs <= 0 时原样返回）
func PerGPU(price decimal.Decimal, numGPUs int) decimal.Decimal {
	if numGPUs <= 0 {
		return price
	}
	return price.Div(decimal.NewFromInt(int64(numGPUs)))
}

// CycleSummary 一个调和周期的汇总
type CycleSummary struct {
	CycleID    string
	ActiveGPUs int
	Timestamp  time.Time
	BidsPlaced int
	BidsRaised int
	Skipped    int
}
