package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	resty "github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Rate-limit floors per §5: QualifyContract calls are separated by at least
// qualifyInterval. screenInterval is declared for stock screening calls, but no
// IBKRClient method applies it.
const (
	qualifyInterval = 200 * time.Millisecond
	screenInterval  = 100 * time.Millisecond

	defaultHistoricalTimeout = 15 * time.Second
)

// IBKRClient implements Broker against an Interactive Brokers Client Portal Gateway
// REST surface. One IBKRClient instance owns one gateway session. Connect holds mu
// for its whole call and QualifyContract holds it only while waiting out
// qualifyInterval; no other method takes mu, so calls made from several goroutines
// are not serialized by the client.
type IBKRClient struct {
	http   *resty.Client
	log    *logrus.Entry
	mu     sync.Mutex
	host   string
	port   int

	lastQualifyAt time.Time
	lastScreenAt  time.Time
}

// NewIBKRClient builds a client against the gateway's local REST API. The gateway
// terminates TLS with a self-signed certificate by convention; callers running
// against a real deployment should supply a client with a configured cert pool
// rather than disabling verification.
func NewIBKRClient(log *logrus.Logger) *IBKRClient {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil // logrus wiring happens at the call-site logger, not retryablehttp's own
	retryClient.RetryMax = 0
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second

	httpClient := resty.NewWithClient(retryClient.StandardClient())
	httpClient.SetTimeout(defaultHistoricalTimeout)

	return &IBKRClient{
		http: httpClient,
		log:  log.WithField("component", "broker.ibkr"),
	}
}

// Connect verifies the gateway is reachable at host:port under the given client id
// and records the base URL future calls use. Per §7, connection failures are
// returned as *ConnectionError and are not retried inside this call — the caller
// decides whether to retry at a higher layer.
func (c *IBKRClient) Connect(ctx context.Context, host string, port int, clientID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.host = host
	c.port = port
	c.http.SetBaseURL(fmt.Sprintf("https://%s:%d/v1/api", host, port))

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("clientId", strconv.Itoa(clientID)).
		Get("/iserver/auth/status")
	if err != nil {
		return &ConnectionError{Host: host, Port: port, Err: err}
	}
	if resp.IsError() {
		return &ConnectionError{Host: host, Port: port, Err: fmt.Errorf("gateway returned %s", resp.Status())}
	}
	return nil
}

// QualifyContract resolves a contract spec to a gateway contract id, propagating an
// optional trading_class per §6. Rate-limited to one call per qualifyInterval per §5.
func (c *IBKRClient) QualifyContract(ctx context.Context, spec ContractSpec) (*Contract, error) {
	c.throttle(&c.lastQualifyAt, qualifyInterval)

	var out struct {
		ConID        int64  `json:"conid"`
		TradingClass string `json:"tradingClass"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"symbol":       spec.Symbol,
			"secType":      "OPT",
			"strike":       spec.Strike,
			"expiry":       spec.Expiration,
			"right":        spec.Right,
			"tradingClass": spec.TradingClass,
		}).
		SetResult(&out).
		Post("/iserver/secdef/search")
	if err != nil {
		return nil, fmt.Errorf("qualify_contract: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("qualify_contract: gateway returned %s", resp.Status())
	}
	if out.ConID == 0 {
		return nil, fmt.Errorf("qualify_contract: %s %v %s not listed", spec.Symbol, spec.Strike, spec.Expiration)
	}

	tc := out.TradingClass
	if tc == "" {
		tc = spec.TradingClass
	}
	return &Contract{
		ContractID:   out.ConID,
		Symbol:       spec.Symbol,
		Strike:       spec.Strike,
		Expiration:   spec.Expiration,
		Right:        spec.Right,
		TradingClass: tc,
	}, nil
}

// RequestOptionChain lists contracts across all expirations for a symbol.
func (c *IBKRClient) RequestOptionChain(ctx context.Context, symbol string) ([]Contract, error) {
	var out []Contract
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/iserver/secdef/strikes")
	if err != nil {
		return nil, fmt.Errorf("request_option_chain: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("request_option_chain: gateway returned %s", resp.Status())
	}
	return out, nil
}

// RequestStrikes lists available strikes for a symbol/expiration pair.
func (c *IBKRClient) RequestStrikes(ctx context.Context, symbol, expiration string) ([]float64, error) {
	var out struct {
		Put []float64 `json:"put"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "expiration": expiration}).
		SetResult(&out).
		Get("/iserver/secdef/strikes")
	if err != nil {
		return nil, fmt.Errorf("request_strikes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("request_strikes: gateway returned %s", resp.Status())
	}
	return out.Put, nil
}

// RequestMarketData returns a snapshot quote with Greeks per §6.
func (c *IBKRClient) RequestMarketData(ctx context.Context, contract Contract) (*MarketData, error) {
	var out []struct {
		Bid     string `json:"86"`
		Ask     string `json:"85"`
		Last    string `json:"31"`
		Delta   string `json:"7308"`
		Gamma   string `json:"7309"`
		Theta   string `json:"7310"`
		Vega    string `json:"7311"`
		IV      string `json:"7633"`
		Implied string `json:"7283"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"conids":  strconv.FormatInt(contract.ContractID, 10),
			"fields":  "31,85,86,7283,7308,7309,7310,7311,7633",
			"snapshot": "true",
		}).
		SetResult(&out).
		Get("/iserver/marketdata/snapshot")
	if err != nil {
		return nil, fmt.Errorf("request_market_data: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("request_market_data: gateway returned %s", resp.Status())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("request_market_data: no snapshot for conid %d", contract.ContractID)
	}
	row := out[0]
	return &MarketData{
		Bid:     parseFloatOrZero(row.Bid),
		Ask:     parseFloatOrZero(row.Ask),
		Last:    parseFloatOrZero(row.Last),
		Delta:   parseFloatOrZero(row.Delta),
		Gamma:   parseFloatOrZero(row.Gamma),
		Theta:   parseFloatOrZero(row.Theta),
		Vega:    parseFloatOrZero(row.Vega),
		IV:      parseFloatOrZero(row.IV),
		Implied: parseFloatOrZero(row.Implied),
	}, nil
}

// RequestHistorical returns OHLCV bars, bounded by a 15s timeout per §5.
func (c *IBKRClient) RequestHistorical(ctx context.Context, contract Contract, days int) ([]Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHistoricalTimeout)
	defer cancel()

	var out struct {
		Data []struct {
			Time   int64   `json:"t"`
			Open   float64 `json:"o"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Close  float64 `json:"c"`
			Volume int64   `json:"v"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"conid":  strconv.FormatInt(contract.ContractID, 10),
			"period": fmt.Sprintf("%dd", days),
			"bar":    "1d",
		}).
		SetResult(&out).
		Get("/iserver/marketdata/history")
	if err != nil {
		return nil, fmt.Errorf("request_historical: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("request_historical: gateway returned %s", resp.Status())
	}

	bars := make([]Bar, 0, len(out.Data))
	for _, d := range out.Data {
		bars = append(bars, Bar{
			Date:   time.UnixMilli(d.Time).UTC(),
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: d.Volume,
		})
	}
	return bars, nil
}

// PlaceOrder submits an order and returns its initial status. Per §4.3, a short put
// order missing a trading class is rejected by the broker with a descriptive error
// rather than silently accepted.
func (c *IBKRClient) PlaceOrder(ctx context.Context, order Order) (*OrderResult, error) {
	if order.TradingClass == "" {
		return nil, fmt.Errorf("place_order: trading class not specified")
	}

	var out []struct {
		OrderID string `json:"order_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"conid":        order.ContractID,
			"tradingClass": order.TradingClass,
			"side":         order.Action,
			"quantity":     order.Quantity,
			"orderType":    order.OrderType,
			"price":        order.LimitPrice,
			"tif":          "DAY",
		}).
		SetResult(&out).
		Post("/iserver/account/orders")
	if err != nil {
		return nil, fmt.Errorf("place_order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("place_order: gateway returned %s", resp.Status())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("place_order: gateway returned no order id")
	}
	return &OrderResult{OrderID: out[0].OrderID, Status: OrderStatusPendingSubmit}, nil
}

// PollOrderStatus reads a single order's current status; the caller (OrderExecutor,
// ExitManager) owns the polling loop and interval bounds per §4.3/§4.4.
func (c *IBKRClient) PollOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	var out struct {
		OrderStatus  string  `json:"order_status"`
		AvgFillPrice float64 `json:"avg_fill_price"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/iserver/account/order/status/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("poll_order_status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("poll_order_status: gateway returned %s", resp.Status())
	}
	return &OrderResult{
		OrderID:      orderID,
		Status:       OrderStatus(out.OrderStatus),
		AvgFillPrice: out.AvgFillPrice,
	}, nil
}

// GetPositions lists broker-side open positions.
func (c *IBKRClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	var out []PositionItem
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/portfolio/positions")
	if err != nil {
		return nil, fmt.Errorf("get_positions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get_positions: gateway returned %s", resp.Status())
	}
	return out, nil
}

// GetAccountSummary returns net liquidation, available funds, and margin figures.
func (c *IBKRClient) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	var out AccountSummary
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/portfolio/summary")
	if err != nil {
		return nil, fmt.Errorf("get_account_summary: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get_account_summary: gateway returned %s", resp.Status())
	}
	return &out, nil
}

// WhatIf runs a margin-impact estimate for an order without submitting it.
func (c *IBKRClient) WhatIf(ctx context.Context, order Order) (*AccountSummary, error) {
	var out AccountSummary
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"conid":     order.ContractID,
			"side":      order.Action,
			"quantity":  order.Quantity,
			"orderType": order.OrderType,
			"price":     order.LimitPrice,
		}).
		SetResult(&out).
		Post("/iserver/account/order/whatif")
	if err != nil {
		return nil, fmt.Errorf("what_if: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("what_if: gateway returned %s", resp.Status())
	}
	return &out, nil
}

// throttle blocks until at least interval has elapsed since *last, then updates it.
// QualifyContract uses it for the qualify ≥200ms floor of §5; mu is held while
// waiting, not during the request that follows. No caller uses it for the screen floor.
func (c *IBKRClient) throttle(last *time.Time, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := interval - time.Since(*last); wait > 0 {
		time.Sleep(wait)
	}
	*last = time.Now()
}

func parseFloatOrZero(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
