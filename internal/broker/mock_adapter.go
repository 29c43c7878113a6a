// Package broker holds broker-adapter infrastructure shared across
// concrete integrations: a deterministic in-memory adapter for tests and
// the reconnecting wrapper every live adapter is run behind.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/domain"
)

// MockAdapter is a deterministic in-memory domain.BrokerClient used by
// pipeline tests: it never calls out over the network, places orders
// instantly, and lets tests script rejections and quote values.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool

	RejectNextOrder bool
	RejectReason    string
	Quotes          map[string]decimal.Decimal

	orders map[string]domain.OrderResult
}

// NewMockAdapter constructs an empty MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		Quotes: make(map[string]decimal.Decimal),
		orders: make(map[string]domain.OrderResult),
	}
}

func (m *MockAdapter) Connect(ctx context.Context, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockAdapter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockAdapter) ExchangeAuthCode(ctx context.Context, authCode string) (string, int64, error) {
	return "mock-token-" + authCode, 3600, nil
}

// PlaceOrder is idempotent on ClientOrderID, mirroring the real-broker
// contract every adapter must satisfy.
func (m *MockAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[req.ClientOrderID]; ok {
		return existing, nil
	}

	if m.RejectNextOrder {
		m.RejectNextOrder = false
		return domain.OrderResult{}, fmt.Errorf("order rejected: %s", m.RejectReason)
	}

	result := domain.OrderResult{BrokerOrderID: "MOCK-" + uuid.NewString(), Status: "PLACED"}
	m.orders[req.ClientOrderID] = result
	return result, nil
}

func (m *MockAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return nil
}

func (m *MockAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BrokerOrderID == brokerOrderID {
			return domain.OrderStatus{BrokerOrderID: brokerOrderID, Status: "FILLED"}, nil
		}
	}
	return domain.OrderStatus{}, fmt.Errorf("order not found: %s", brokerOrderID)
}

func (m *MockAdapter) GetQuote(ctx context.Context, exchange, symbol string) (domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Quotes[symbol]
	if !ok {
		price = decimal.NewFromInt(100)
	}
	return domain.Quote{Symbol: symbol, LastPrice: price}, nil
}

var _ domain.BrokerClient = (*MockAdapter)(nil)
