package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// feedCoin is one entry of the pricing feed. Reward figures come per
// GH/s per day, the convention the profit feeds publish for GPU coins.
type feedCoin struct {
	Tag             string  `json:"tag"`
	Algorithm       string  `json:"algorithm"`
	RewardPerGHSDay float64 `json:"reward_per_ghs_day"`
	PriceUSD        float64 `json:"price_usd"`
	PoolFee         float64 `json:"pool_fee"`
}

type feed struct {
	Coins map[string]feedCoin `json:"coins"`
}

var ghs = decimal.New(1, 9) // 1 GH/s in H/s

// HTTPProvider polls a profit feed endpoint for market data.
type HTTPProvider struct {
	logger  *zap.Logger
	url     string
	client  *http.Client
	fees    map[string]float64 // per-coin pool fee overrides, fraction
	defFee  float64
}

// NewHTTPProvider creates a provider for the given feed URL. fees
// overrides the feed's pool fee per coin; defaultFee applies when
// neither the feed nor the override has one.
func NewHTTPProvider(logger *zap.Logger, url string, timeout time.Duration, fees map[string]float64, defaultFee float64) *HTTPProvider {
	return &HTTPProvider{
		logger: logger,
		url:    url,
		client: &http.Client{Timeout: timeout},
		fees:   fees,
		defFee: defaultFee,
	}
}

// Fetch retrieves and decodes the feed into a fresh snapshot.
func (p *HTTPProvider) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var f feed
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}

	coins := make(map[string]CoinMarket, len(f.Coins))
	for key, c := range f.Coins {
		tag := strings.ToUpper(c.Tag)
		if tag == "" {
			tag = strings.ToUpper(key)
		}

		fee := c.PoolFee
		if override, ok := p.fees[tag]; ok {
			fee = override
		}
		if fee == 0 {
			fee = p.defFee
		}

		coins[tag] = CoinMarket{
			Algorithm:  strings.ToLower(c.Algorithm),
			RewardRate: decimal.NewFromFloat(c.RewardPerGHSDay).Div(ghs),
			Price:      decimal.NewFromFloat(c.PriceUSD),
			PoolFee:    decimal.NewFromFloat(fee),
		}
	}

	p.logger.Debug("Fetched market snapshot",
		zap.Int("coins", len(coins)),
		zap.String("source", p.url),
	)

	return NewSnapshot(coins), nil
}
