package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type Client struct {
	client *resty.Client
}

type Options struct {
	BaseURL   string
	Token     string        // Bearer token，可为空
	Timeout   time.Duration // 默认 30s
	UserAgent string
	// Transport 测试时可替换（httptest）
	Transport http.RoundTripper
}

func NewClient(opt Options) *Client {
	host := strings.TrimSuffix(opt.BaseURL, "/")
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.UserAgent == "" {
		opt.UserAgent = "gpubid"
	}

	// 不在 HTTP 层重试：重试由调和循环整周期负责，否则变更请求可能被重复提交
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opt.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", opt.UserAgent)
	if opt.Token != "" {
		client.SetAuthToken(opt.Token)
	}
	if opt.Transport != nil {
		client.SetTransport(opt.Transport)
	}
	return &Client{client: client}
}

type RequestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]any
}

// StatusError 非 2xx 响应
type StatusError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// Temporary 5xx 和 429 视为暂时性错误
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RateLimited 是否为 429
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// TransportError 没有拿到响应（连接失败、超时、ctx 取消等）
type TransportError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("http %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Cause() error { return e.Err }

// 仅设置本次请求的 Header（不要再改 client 级 Header）
func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	return r
}

// DoRequest 执行请求并返回响应体。
// 传输失败返回 *TransportError，非 2xx 返回 *StatusError；out 非空时把响应体解码进去。
func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) ([]byte, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodPut:
		resp, err = rc.Put(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	default:
		return nil, errors.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		return nil, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	body := resp.Body()
	if !resp.IsSuccess() {
		return body, &StatusError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode(),
			Body:       truncate(strings.TrimSpace(string(body)), 512),
		}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, errors.Wrapf(err, "decode %s %s", method, endpoint)
		}
	}
	return body, nil
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
