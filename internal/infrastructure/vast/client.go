package vast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gpubid/internal/domain"
	sdkhttp "github.com/betbot/gpubid/pkg/sdk/http"
)

// DefaultBaseURL vast.ai 控制台 API
const DefaultBaseURL = "https://console.vast.ai"

const (
	opSearchOffers  = "search_offers"
	opListInstances = "list_instances"
	opCreateBid     = "create_bid"
	opUpdateBid     = "update_bid"
)

// Config 客户端配置
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Transport 测试时替换
	Transport http.RoundTripper
}

// Client vast.ai REST 客户端。只做一次请求，不重试；错误按 domain 错误分类返回。
type Client struct {
	http *sdkhttp.Client
}

// NewClient 创建客户端
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		http: sdkhttp.NewClient(sdkhttp.Options{
			BaseURL:   cfg.BaseURL,
			Token:     cfg.APIKey,
			Timeout:   cfg.Timeout,
			UserAgent: "gpubid/vast",
			Transport: cfg.Transport,
		}),
	}
}

// CreateBidResponse PUT /asks/{id}/ 的响应
type CreateBidResponse struct {
	Success     bool   `json:"success"`
	NewContract int64  `json:"new_contract"`
	Message     string `json:"msg,omitempty"`
	Raw         string `json:"-"`
}

// SearchOffers 按查询条件搜索报价，返回原始条目（由调用方逐条解码）
func (c *Client) SearchOffers(ctx context.Context, q Query) ([]json.RawMessage, error) {
	encoded, err := q.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode offer query")
	}
	body, err := c.http.DoRequest(ctx, http.MethodGet, "/api/v0/bundles/", &sdkhttp.RequestOptions{
		Params: map[string]any{"q": encoded},
	}, nil)
	if err != nil {
		return nil, classifyRead(opSearchOffers, err)
	}
	return splitEnvelope(opSearchOffers, body, "offers")
}

// ListInstances 列出当前账户的实例
func (c *Client) ListInstances(ctx context.Context) ([]json.RawMessage, error) {
	body, err := c.http.DoRequest(ctx, http.MethodGet, "/api/v0/instances/", &sdkhttp.RequestOptions{
		Params: map[string]any{"owner": "me"},
	}, nil)
	if err != nil {
		return nil, classifyRead(opListInstances, err)
	}
	return splitEnvelope(opListInstances, body, "instances")
}

// CreateBid 以 price（整机每小时）对报价下竞价单，templateHash 指定启动模板
func (c *Client) CreateBid(ctx context.Context, offerID int64, templateHash string, price decimal.Decimal) (CreateBidResponse, error) {
	endpoint := fmt.Sprintf("/api/v0/asks/%d/", offerID)
	body, err := c.http.DoRequest(ctx, http.MethodPut, endpoint, &sdkhttp.RequestOptions{
		Data: map[string]any{
			"client_id":        "me",
			"price":            wirePrice(price),
			"template_hash_id": templateHash,
		},
	}, nil)
	if err != nil {
		return CreateBidResponse{Raw: string(body)}, classifyWrite(opCreateBid, offerID, err)
	}

	resp := CreateBidResponse{Raw: string(body)}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, &domain.MalformedResponseError{Op: opCreateBid, Index: -1, Err: err}
	}
	if !resp.Success {
		return resp, &domain.BidRejectedError{Op: opCreateBid, TargetID: offerID, StatusCode: http.StatusOK, Body: resp.Raw}
	}
	return resp, nil
}

// UpdateBid 修改竞价实例的出价
func (c *Client) UpdateBid(ctx context.Context, instanceID int64, price decimal.Decimal) (string, error) {
	endpoint := fmt.Sprintf("/api/v0/instances/bid_price/%d/", instanceID)
	body, err := c.http.DoRequest(ctx, http.MethodPut, endpoint, &sdkhttp.RequestOptions{
		Data: map[string]any{
			"client_id": "me",
			"price":     wirePrice(price),
		},
	}, nil)
	if err != nil {
		return string(body), classifyWrite(opUpdateBid, instanceID, err)
	}

	// 部分版本返回空 body；有 body 且 success=false 视为拒绝
	var ack struct {
		Success *bool `json:"success"`
	}
	if len(body) > 0 && json.Unmarshal(body, &ack) == nil && ack.Success != nil && !*ack.Success {
		return string(body), &domain.BidRejectedError{Op: opUpdateBid, TargetID: instanceID, StatusCode: http.StatusOK, Body: string(body)}
	}
	return string(body), nil
}

func wirePrice(p decimal.Decimal) float64 {
	return p.Round(6).InexactFloat64()
}

func splitEnvelope(op string, body []byte, key string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	// 兼容直接返回数组
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &domain.MalformedResponseError{Op: op, Index: -1, Err: err}
	}
	raw, ok := env[key]
	if !ok {
		return nil, &domain.MalformedResponseError{Op: op, Index: -1, Err: errors.Errorf("missing %q in response", key)}
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &domain.MalformedResponseError{Op: op, Index: -1, Err: errors.Wrapf(err, "field %q", key)}
	}
	return items, nil
}

func classifyRead(op string, err error) error {
	if te := transient(op, err); te != nil {
		return te
	}
	return errors.Wrap(err, op)
}

func classifyWrite(op string, target int64, err error) error {
	if te := transient(op, err); te != nil {
		return te
	}
	var se *sdkhttp.StatusError
	if errors.As(err, &se) {
		return &domain.BidRejectedError{Op: op, TargetID: target, StatusCode: se.StatusCode, Body: se.Body}
	}
	return errors.Wrap(err, op)
}

func transient(op string, err error) error {
	var te *sdkhttp.TransportError
	if errors.As(err, &te) {
		return &domain.TransientNetworkError{Op: op, Err: te}
	}
	var se *sdkhttp.StatusError
	if errors.As(err, &se) && se.Temporary() {
		return &domain.TransientNetworkError{Op: op, StatusCode: se.StatusCode, RateLimited: se.RateLimited(), Err: se}
	}
	return nil
}
