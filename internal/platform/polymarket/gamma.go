package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma metadata API.
// Rule creation and the slug backfill job use it to resolve the
// human-readable market slug for a condition id.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// MarketSlug resolves the URL slug for a condition id. Returns
// domain.ErrNotFound when Gamma has no market under that id.
func (g *GammaClient) MarketSlug(ctx context.Context, conditionID string) (string, error) {
	params := url.Values{}
	params.Set("condition_ids", conditionID)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return "", fmt.Errorf("polymarket/gamma: market for condition %s: %w", conditionID, err)
	}

	var markets []GammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return "", fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 || markets[0].Slug == "" {
		return "", fmt.Errorf("polymarket/gamma: %w: condition=%s", domain.ErrNotFound, conditionID)
	}

	return markets[0].Slug, nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
