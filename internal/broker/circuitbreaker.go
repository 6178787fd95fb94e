package broker

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker"
)

// CircuitBreakerSettings tunes the breaker wrapping broker calls.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after a majority of a meaningful sample of
// calls fail, and probes again after a cooldown.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// CircuitBreakerBroker wraps a Broker so that a string of broker-connectivity
// failures trips a breaker instead of hammering a down gateway on every cycle,
// per §4.2's broker-health circuit breaker and §7's connection-error handling.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, s CircuitBreakerSettings) *CircuitBreakerBroker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= s.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
	})
	return &CircuitBreakerBroker{broker: broker, breaker: cb}
}

func execute[T any](cb *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := cb.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (cb *CircuitBreakerBroker) Connect(ctx context.Context, host string, port int, clientID int) error {
	_, err := cb.breaker.Execute(func() (any, error) {
		return nil, cb.broker.Connect(ctx, host, port, clientID)
	})
	return err
}

func (cb *CircuitBreakerBroker) QualifyContract(ctx context.Context, spec ContractSpec) (*Contract, error) {
	return execute(cb, func() (*Contract, error) { return cb.broker.QualifyContract(ctx, spec) })
}

func (cb *CircuitBreakerBroker) RequestOptionChain(ctx context.Context, symbol string) ([]Contract, error) {
	return execute(cb, func() ([]Contract, error) { return cb.broker.RequestOptionChain(ctx, symbol) })
}

func (cb *CircuitBreakerBroker) RequestStrikes(ctx context.Context, symbol, expiration string) ([]float64, error) {
	return execute(cb, func() ([]float64, error) { return cb.broker.RequestStrikes(ctx, symbol, expiration) })
}

func (cb *CircuitBreakerBroker) RequestMarketData(ctx context.Context, contract Contract) (*MarketData, error) {
	return execute(cb, func() (*MarketData, error) { return cb.broker.RequestMarketData(ctx, contract) })
}

func (cb *CircuitBreakerBroker) RequestHistorical(ctx context.Context, contract Contract, days int) ([]Bar, error) {
	return execute(cb, func() ([]Bar, error) { return cb.broker.RequestHistorical(ctx, contract, days) })
}

func (cb *CircuitBreakerBroker) PlaceOrder(ctx context.Context, order Order) (*OrderResult, error) {
	return execute(cb, func() (*OrderResult, error) { return cb.broker.PlaceOrder(ctx, order) })
}

func (cb *CircuitBreakerBroker) PollOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	return execute(cb, func() (*OrderResult, error) { return cb.broker.PollOrderStatus(ctx, orderID) })
}

func (cb *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execute(cb, func() ([]PositionItem, error) { return cb.broker.GetPositions(ctx) })
}

func (cb *CircuitBreakerBroker) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	return execute(cb, func() (*AccountSummary, error) { return cb.broker.GetAccountSummary(ctx) })
}

func (cb *CircuitBreakerBroker) WhatIf(ctx context.Context, order Order) (*AccountSummary, error) {
	return execute(cb, func() (*AccountSummary, error) { return cb.broker.WhatIf(ctx, order) })
}

// State reports the breaker's current state, for health/metrics reporting.
func (cb *CircuitBreakerBroker) State() gobreaker.State {
	return cb.breaker.State()
}
