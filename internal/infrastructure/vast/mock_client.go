package vast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/gpubid/internal/domain"
)

// MockClient 内存版市场，供各包测试使用
type MockClient struct {
	mu sync.RWMutex

	// Response data：报价按 GPU 类别（domain.GPUClassKey）分组
	Offers    map[string][]json.RawMessage
	Instances []json.RawMessage

	// Call tracking
	Calls   map[string]int
	Queries []Query
	Bids    []MockBid
	Updates []MockBid

	// Error injection
	ErrorOnNext map[string]error
}

// MockBid 记录一次变更请求
type MockBid struct {
	ID           int64
	TemplateHash string
	Price        decimal.Decimal
}

// NewMockClient creates a new mock marketplace
func NewMockClient() *MockClient {
	return &MockClient{
		Offers:      make(map[string][]json.RawMessage),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// FailNext 下一次 name 调用返回 err
func (m *MockClient) FailNext(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNext[name] = err
}

// CallCount 返回 name 的调用次数
func (m *MockClient) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// SetOffers 设置某个 GPU 型号的报价
func (m *MockClient) SetOffers(gpuModel string, items ...json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Offers[domain.GPUClassKey(gpuModel)] = items
}

// SetInstances 设置实例列表
func (m *MockClient) SetInstances(items ...json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Instances = items
}

func (m *MockClient) SearchOffers(ctx context.Context, q Query) ([]json.RawMessage, error) {
	if err := m.trackCall("SearchOffers"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, q)
	return m.Offers[domain.GPUClassKey(q.GPUModel)], nil
}

func (m *MockClient) ListInstances(ctx context.Context) ([]json.RawMessage, error) {
	if err := m.trackCall("ListInstances"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Instances, nil
}

func (m *MockClient) CreateBid(ctx context.Context, offerID int64, templateHash string, price decimal.Decimal) (CreateBidResponse, error) {
	if err := m.trackCall("CreateBid"); err != nil {
		return CreateBidResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bids = append(m.Bids, MockBid{ID: offerID, TemplateHash: templateHash, Price: price})
	contract := int64(100000 + len(m.Bids))
	return CreateBidResponse{
		Success:     true,
		NewContract: contract,
		Raw:         fmt.Sprintf(`{"success":true,"new_contract":%d}`, contract),
	}, nil
}

func (m *MockClient) UpdateBid(ctx context.Context, instanceID int64, price decimal.Decimal) (string, error) {
	if err := m.trackCall("UpdateBid"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updates = append(m.Updates, MockBid{ID: instanceID, Price: price})
	return `{"success":true}`, nil
}

// OfferJSON 构造一条报价原始数据
func OfferJSON(id int64, gpuModel string, numGPUs int, dphTotal string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"machine_id":%d,"gpu_name":%q,"num_gpus":%d,"dph_total":%s}`,
		id, id+5000, gpuModel, numGPUs, dphTotal))
}

// InstanceJSON 构造一条实例原始数据
func InstanceJSON(id int64, gpuModel string, numGPUs int, actual, intended string, isBid bool, minBid string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"gpu_name":%q,"num_gpus":%d,"actual_status":%q,"intended_status":%q,"is_bid":%t,"min_bid":%s}`,
		id, gpuModel, numGPUs, actual, intended, isBid, minBid))
}
