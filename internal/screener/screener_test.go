package screener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScreen_MissingAPIKey(t *testing.T) {
	c := NewClient("https://example.com", "")
	_, err := c.Screen(context.Background(), ScreenRequest{Type: OptionTypePut, MaxDTE: 14})
	if err == nil {
		t.Fatal("expected a ConfigurationError")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected *ConfigurationError, got %T: %v", err, err)
	}
}

func TestScreen_InvalidRequest(t *testing.T) {
	c := NewClient("https://example.com", "test-key")
	_, err := c.Screen(context.Background(), ScreenRequest{Type: "invalid"})
	if err == nil {
		t.Fatal("expected a validation error for an invalid option type")
	}
}

func TestScreen_FiltersByDeltaAndPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []Candidate{
				{Underlying: "SPY", Symbol: "SPY240119P00450000", Strike: 450, Delta: -0.18, LastPrice: 1.50},
				{Underlying: "SPY", Symbol: "SPY240119P00440000", Strike: 440, Delta: -0.40, LastPrice: 1.50},
				{Underlying: "SPY", Symbol: "SPY240119P00430000", Strike: 430, Delta: -0.15, LastPrice: 0.05},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	results, err := c.Screen(context.Background(), ScreenRequest{
		Type:     OptionTypePut,
		MaxDTE:   14,
		MinDelta: -0.20,
		MaxDelta: -0.10,
		MinPrice: 0.30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 candidate after filtering, got %d: %+v", len(results), results)
	}
	if results[0].Strike != 450 {
		t.Errorf("expected strike 450 to survive filtering, got %v", results[0].Strike)
	}
}
