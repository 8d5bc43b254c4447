package executor

import (
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateBid 同一报价在窗口期内已经出过价
var ErrDuplicateBid = fmt.Errorf("duplicate bid within window")

// BidDeduper 按报价 ID 的时间窗口去重。
//
// 创建出价不是幂等的：周期失败后整周期重跑，可能对同一报价再下一次单。
// 窗口内拒绝重复出价，宁可少下单也不误下两单。过期项在访问时惰性清理。
type BidDeduper struct {
	window time.Duration
	now    func() time.Time

	mu sync.Mutex
	m  map[int64]time.Time // offerID -> expiresAt
}

// NewBidDeduper window <= 0 时返回 nil（不去重）；nil 上的方法都是 no-op
func NewBidDeduper(window time.Duration, now func() time.Time) *BidDeduper {
	if window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &BidDeduper{window: window, now: now, m: make(map[int64]time.Time)}
}

// TryAcquire 成功返回 nil，窗口内重复返回 ErrDuplicateBid
func (d *BidDeduper) TryAcquire(offerID int64) error {
	if d == nil {
		return nil
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.evictLocked(now)
	if exp, ok := d.m[offerID]; ok && exp.After(now) {
		return ErrDuplicateBid
	}
	d.m[offerID] = now.Add(d.window)
	return nil
}

// Release 提前释放（请求没有到达市场时调用，允许下个周期重试）
func (d *BidDeduper) Release(offerID int64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.m, offerID)
	d.mu.Unlock()
}

// Seed 用历史出价时间恢复窗口（重启后从 ledger 读取）
func (d *BidDeduper) Seed(placed map[int64]time.Time) int {
	if d == nil {
		return 0
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, at := range placed {
		if exp := at.Add(d.window); exp.After(now) {
			d.m[id] = exp
			n++
		}
	}
	return n
}

// Window 去重窗口
func (d *BidDeduper) Window() time.Duration {
	if d == nil {
		return 0
	}
	return d.window
}

// Len 当前窗口内的报价数
func (d *BidDeduper) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())
	return len(d.m)
}

func (d *BidDeduper) evictLocked(now time.Time) {
	for k, exp := range d.m {
		if !exp.After(now) {
			delete(d.m, k)
		}
	}
}
