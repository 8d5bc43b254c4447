package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientNetworkError 连接失败、超时、HTTP 5xx、429 限流。
// 周期内不重试，交给 FailureGuard 退避后整周期重跑。
type TransientNetworkError struct {
	Op          string
	StatusCode  int  // 0 表示没有拿到响应
	RateLimited bool // HTTP 429
	Err         error
}

func (e *TransientNetworkError) Error() string {
	switch {
	case e.RateLimited:
		return fmt.Sprintf("%s: rate limited (status=%d): %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: transient failure (status=%d): %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
	}
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Cause 兼容 pkg/errors.Cause。没有底层错误时以自身描述作为根因，不返回 nil
func (e *TransientNetworkError) Cause() error { return causeOf(e.Err, e) }

// MalformedResponseError 市场返回了无法解析的结构。Index >= 0 表示批量中的某一项，-1 表示整个响应。
type MalformedResponseError struct {
	Op    string
	Index int
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: malformed item #%d: %v", e.Op, e.Index, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Cause() error { return causeOf(e.Err, e) }

// causeOf 返回的错误不再实现 Cause，pkg/errors.Cause 在此停止
func causeOf(inner error, self error) error {
	if inner != nil {
		return inner
	}
	return errors.New(self.Error())
}

// PolicyViolation 单条数据不满足策略前提（例如 num_gpus <= 0），跳过该条
type PolicyViolation struct {
	Kind   string // offer / instance
	ID     int64
	Reason string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation: %s %d: %s", e.Kind, e.ID, e.Reason)
}

// BidRejectedError 市场对变更请求返回 4xx（报价已被租走、出价被拒绝等），只影响这一条动作
type BidRejectedError struct {
	Op         string
	TargetID   int64
	StatusCode int
	Body       string
}

func (e *BidRejectedError) Error() string {
	return fmt.Sprintf("%s %d rejected (status=%d): %s", e.Op, e.TargetID, e.StatusCode, e.Body)
}

// IsTransient 是否为可整周期重试的网络错误（含限流）
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsRateLimited 是否为 429 限流
func IsRateLimited(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te) && te.RateLimited
}

// IsMalformed 是否为响应结构错误
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// IsPolicyViolation 是否为单条数据策略违规
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolation
	return errors.As(err, &pv)
}

// IsRejected 是否为变更请求被市场拒绝
func IsRejected(err error) bool {
	var re *BidRejectedError
	return errors.As(err, &re)
}
