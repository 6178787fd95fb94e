// Package screener implements the ScreenerClient surface of §6: a one-shot,
// market-wide options screen against Barchart OnDemand returning candidate short-put
// contracts for the Orchestrator's scan phase.
package screener

import (
	"context"
	"fmt"
	"strconv"

	validator "github.com/go-playground/validator/v10"
	resty "github.com/go-resty/resty/v2"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// OptionType selects which side of the chain to screen.
type OptionType string

// Recognized option types.
const (
	OptionTypePut  OptionType = "put"
	OptionTypeCall OptionType = "call"
)

// ScreenRequest parameterizes a single screen call per §6.
type ScreenRequest struct {
	Type        OptionType `validate:"required,oneof=put call"`
	MinDTE      int        `validate:"gte=0"`
	MaxDTE      int        `validate:"gtfield=MinDTE"`
	MinVolume   int64      `validate:"gte=0"`
	MinOI       int64      `validate:"gte=0"`
	MinDelta    float64
	MaxDelta    float64
	MinPrice    float64 `validate:"gte=0"`
	Fields      []string
}

// Candidate is one screened contract record per §6.
type Candidate struct {
	Underlying   string  `json:"underlying"`
	Symbol       string  `json:"symbol"`
	Strike       float64 `json:"strike"`
	Expiration   string  `json:"expiration"`
	Type         string  `json:"type"`
	LastPrice    float64 `json:"lastPrice"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Delta        float64 `json:"delta"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"openInterest"`
	Volatility   float64 `json:"volatility"`
}

// ConfigurationError is returned when the screener is called without an API key. Per
// §7/§6, this surfaces as a single user-facing line plus setup instructions rather
// than a raw validation dump.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("Barchart OnDemand API key is not configured: %s\n"+
		"Set screener.api_key in config.yaml or the BARCHART_API_KEY environment variable.", e.Detail)
}

// Client screens Barchart OnDemand for candidate short-put contracts. Calls are
// one-shot per cycle with no fan-out, per §5 — there is no internal pooling or
// concurrency here by design.
type Client struct {
	http     *resty.Client
	apiKey   string
	validate *validator.Validate
}

// NewClient builds a screener client. An empty apiKey is accepted here and only
// surfaces a ConfigurationError at call time, so the rest of startup can proceed
// and fail with a single clear message at first use rather than two.
func NewClient(baseURL, apiKey string) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 2

	httpClient := resty.NewWithClient(retryClient.StandardClient())
	httpClient.SetBaseURL(baseURL)

	return &Client{
		http:     httpClient,
		apiKey:   apiKey,
		validate: validator.New(),
	}
}

// Screen runs a single market-wide options screen per §6.
func (c *Client) Screen(ctx context.Context, req ScreenRequest) ([]Candidate, error) {
	if c.apiKey == "" {
		return nil, &ConfigurationError{Detail: "missing api key"}
	}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid screen request: %w", err)
	}

	var out struct {
		Results []Candidate `json:"results"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apikey":    c.apiKey,
			"type":      string(req.Type),
			"minDTE":    strconv.Itoa(req.MinDTE),
			"maxDTE":    strconv.Itoa(req.MaxDTE),
			"minVolume": strconv.FormatInt(req.MinVolume, 10),
			"minOI":     strconv.FormatInt(req.MinOI, 10),
		}).
		SetResult(&out).
		Get("/getOptionsScreen.json")
	if err != nil {
		return nil, fmt.Errorf("screen: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("screen: barchart returned %s", resp.Status())
	}

	filtered := out.Results[:0]
	for _, cand := range out.Results {
		if cand.Delta < req.MinDelta || cand.Delta > req.MaxDelta {
			continue
		}
		if cand.LastPrice < req.MinPrice {
			continue
		}
		filtered = append(filtered, cand)
	}
	return filtered, nil
}
