package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable indicates that the reference feed could not produce a price.
// Callers treat it as a valid, non-fatal response: an unconfirmed price is
// never grounds for escalation, only for deferring automated action.
var ErrUnavailable = errors.New("pricefeed: reference price unavailable")

// Client resolves an independent reference price for a symbol.
type Client interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// CoinGeckoClient queries a CoinGecko-compatible simple-price API.
type CoinGeckoClient struct {
	endpoint string
	vsQuote  string
	assetIDs map[string]string
	client   *http.Client
}

// NewCoinGeckoClient maps local symbols to upstream asset ids. An empty
// endpoint falls back to the public API.
func NewCoinGeckoClient(endpoint string, assetIDs map[string]string) *CoinGeckoClient {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		trimmed = "https://api.coingecko.com/api/v3"
	}
	ids := make(map[string]string, len(assetIDs))
	for symbol, id := range assetIDs {
		ids[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(id)
	}
	return &CoinGeckoClient{
		endpoint: trimmed,
		vsQuote:  "usd",
		assetIDs: ids,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchPrice returns the USD reference price for the symbol.
func (c *CoinGeckoClient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	assetID, ok := c.assetIDs[key]
	if !ok || assetID == "" {
		return 0, fmt.Errorf("pricefeed: no asset id mapped for %q", symbol)
	}
	query := url.Values{}
	query.Set("ids", assetID)
	query.Set("vs_currencies", c.vsQuote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/simple/price?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: malformed payload", ErrUnavailable)
	}
	price, ok := payload[assetID][c.vsQuote]
	if !ok || price <= 0 {
		return 0, ErrUnavailable
	}
	return price, nil
}
