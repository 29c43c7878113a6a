package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest is the broker-agnostic payload passed to PlaceOrder. The
// ClientOrderID is always the TradeIntent or ExitIntent's own id (as a
// string), which is what makes re-submission after a crash idempotent at
// the broker's side as well as ours.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Exchange      string
	Side          string // BUY or SELL
	Quantity      decimal.Decimal
	OrderType     OrderType
	LimitPrice    decimal.Decimal
	ProductType   ProductType
}

// OrderResult is what a broker adapter hands back for a successfully
// submitted (not necessarily filled) order.
type OrderResult struct {
	BrokerOrderID string
	Status        string
}

// OrderStatus is a point-in-time snapshot used by reconciliation.
type OrderStatus struct {
	BrokerOrderID string
	Status        string
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	RejectReason  string
}

// Quote is a minimal live-price snapshot for a tradable symbol.
type Quote struct {
	Symbol    string
	LastPrice decimal.Decimal
	Timestamp int64
}

// BrokerClient is the narrow adapter boundary every concrete broker
// integration implements. Entry/exit pipelines and the reconnect-policy
// wrapper depend only on this interface, never on a concrete broker
// package.
type BrokerClient interface {
	// Connect establishes a session using the given OAuth access token.
	Connect(ctx context.Context, accessToken string) error
	// Disconnect tears down the live session, if any.
	Disconnect(ctx context.Context) error
	// IsConnected reports the adapter's last-known connection state.
	IsConnected() bool

	// ExchangeAuthCode performs the broker-specific OAuth code exchange and
	// returns an access token plus its validity window in seconds.
	ExchangeAuthCode(ctx context.Context, authCode string) (accessToken string, validForSeconds int64, err error)

	// PlaceOrder submits an order. Implementations MUST treat ClientOrderID
	// as an idempotency key: resubmitting the same id returns the original
	// result instead of creating a duplicate order.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelOrder requests cancellation of a previously placed order.
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// GetOrderStatus polls the current state of a previously placed order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)

	// GetQuote fetches a live price snapshot for a symbol.
	GetQuote(ctx context.Context, exchange, symbol string) (Quote, error)
}
