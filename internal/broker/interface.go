// Package broker implements the BrokerClient surface of §6: connecting to an
// Interactive Brokers Client Portal Gateway, qualifying contracts, pulling market
// data and historicals, placing and polling orders, and querying account state.
package broker

import (
	"context"
	"fmt"
	"time"
)

// PaperPort and LivePort are the IBKR gateway ports the paper-mode interlock checks
// against (§4.3).
const (
	PaperPort = 7497
	LivePort  = 7496
)

// OrderStatus mirrors the status values IBKR's gateway reports for an order, per §6.
type OrderStatus string

// Recognized order statuses.
const (
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusPreSubmitted  OrderStatus = "PreSubmitted"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusInactive      OrderStatus = "Inactive"
)

// IsWorking reports whether status is one of the non-terminal "still alive" states
// the executor must keep polling through, per §4.3.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case OrderStatusPendingSubmit, OrderStatusPreSubmitted, OrderStatusSubmitted:
		return true
	default:
		return false
	}
}

// IsTerminalFailure reports whether status is a terminal failure per §4.3.
func (s OrderStatus) IsTerminalFailure() bool {
	return s == OrderStatusCancelled || s == OrderStatusInactive
}

// ContractSpec identifies an option contract to qualify against the gateway.
type ContractSpec struct {
	Symbol       string
	Strike       float64
	Expiration   string // YYYYMMDD
	Right        string // "P" for put, "C" for call
	TradingClass string // optional; must be accepted and propagated per §6
}

// Contract is a qualified, broker-recognized instrument. ContractID is nonzero iff
// the instrument is listed.
type Contract struct {
	ContractID   int64
	Symbol       string
	Strike       float64
	Expiration   string
	Right        string
	TradingClass string
}

// MarketData is a snapshot quote with Greeks, per §6.
type MarketData struct {
	Bid     float64
	Ask     float64
	Last    float64
	Delta   float64
	Gamma   float64
	Theta   float64
	Vega    float64
	IV      float64
	Implied float64
}

// Bar is one OHLCV historical bar.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Order describes an order to place, expressed generically enough to cover both
// limit entries and limit-or-market exits (§4.3/§4.4).
type Order struct {
	ContractID   int64
	TradingClass string
	Action       string // "SELL" to open a short put, "BUY" to close
	Quantity     int
	OrderType    string // "LIMIT" or "MARKET", forwarded verbatim into the gateway order body
	LimitPrice   float64
}

// OrderResult is the broker's response to a placed order, polled until terminal.
type OrderResult struct {
	OrderID      string
	Status       OrderStatus
	AvgFillPrice float64
}

// PositionItem is one open broker-side position.
type PositionItem struct {
	ContractID int64
	Symbol     string
	Strike     float64
	Expiration string
	Right      string
	Quantity   int
	AvgCost    float64
}

// AccountSummary is the subset of account state the risk and execution layers need.
type AccountSummary struct {
	NetLiquidation   float64
	AvailableFunds   float64
	BuyingPower      float64
	MaintenanceMargin float64
}

// Broker is the BrokerClient surface required by §6. All methods take a context so
// callers can bound a single call without the broker retrying internally — per §4.3,
// connection errors surface as a structured error and are not retried inside a call.
type Broker interface {
	Connect(ctx context.Context, host string, port int, clientID int) error
	QualifyContract(ctx context.Context, spec ContractSpec) (*Contract, error)
	RequestOptionChain(ctx context.Context, symbol string) ([]Contract, error)
	RequestStrikes(ctx context.Context, symbol, expiration string) ([]float64, error)
	RequestMarketData(ctx context.Context, contract Contract) (*MarketData, error)
	RequestHistorical(ctx context.Context, contract Contract, days int) ([]Bar, error)
	PlaceOrder(ctx context.Context, order Order) (*OrderResult, error)
	PollOrderStatus(ctx context.Context, orderID string) (*OrderResult, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetAccountSummary(ctx context.Context) (*AccountSummary, error)
	WhatIf(ctx context.Context, order Order) (*AccountSummary, error)
}

// ConnectionError is the structured error kind callers present as a user-facing
// "cannot connect" message with a checklist, per §7 — never a raw traceback.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to broker gateway at %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
