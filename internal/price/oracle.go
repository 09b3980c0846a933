// Package price provides the KAS spot rate against fiat currencies.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"kaspay/internal/common/money"
)

// Config holds price oracle configuration.
type Config struct {
	BaseURL  string        `envconfig:"PRICE_API_URL" default:"https://api.coingecko.com/api/v3"`
	CoinID   string        `envconfig:"PRICE_COIN_ID" default:"kaspa"`
	CacheTTL time.Duration `envconfig:"PRICE_CACHE_TTL" default:"60s"`
	Timeout  time.Duration `envconfig:"PRICE_TIMEOUT" default:"5s"`
}

// ErrUnavailable is returned when no positive rate can be obtained.
var ErrUnavailable = errors.New("price unavailable")

// Oracle fetches spot rates from a CoinGecko-compatible API.
type Oracle struct {
	cfg        Config
	httpClient *http.Client
	cache      Cache
	group      singleflight.Group
	logger     *slog.Logger
}

// NewOracle creates a new price oracle. A nil cache disables caching.
func NewOracle(cfg Config, cache Cache, logger *slog.Logger) *Oracle {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Oracle{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:  cache,
		logger: logger,
	}
}

// GetSpotRate returns the price of one unit of base expressed in quote.
// Only KAS is supported as base.
func (o *Oracle) GetSpotRate(ctx context.Context, base, quote money.Currency) (decimal.Decimal, error) {
	if base != money.KAS {
		return decimal.Zero, fmt.Errorf("%w: unsupported base %s", ErrUnavailable, base)
	}
	if quote == money.KAS {
		return decimal.NewFromInt(1), nil
	}

	key := fmt.Sprintf("price:%s:%s", o.cfg.CoinID, strings.ToLower(string(quote)))

	if cached, found, err := o.cache.Get(ctx, key); err != nil {
		o.logger.Warn("price cache read failed", "error", err, "key", key)
	} else if found {
		if rate, err := decimal.NewFromString(cached); err == nil && rate.IsPositive() {
			return rate, nil
		}
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		// Shared by every waiter on key, so the first caller's cancellation must not end it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
		defer cancel()

		rate, err := o.fetch(ctx, quote)
		if err != nil {
			return nil, err
		}
		if err := o.cache.Set(ctx, key, rate.String(), o.cfg.CacheTTL); err != nil {
			o.logger.Warn("price cache write failed", "error", err, "key", key)
		}
		return rate, nil
	})
	if err != nil {
		o.logger.Warn("price fetch failed", "error", err, "quote", quote)
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.(decimal.Decimal), nil
}

func (o *Oracle) fetch(ctx context.Context, quote money.Currency) (decimal.Decimal, error) {
	vs := strings.ToLower(string(quote))
	query := url.Values{}
	query.Set("ids", o.cfg.CoinID)
	query.Set("vs_currencies", vs)
	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decoding response: %w", err)
	}

	rate, ok := payload[o.cfg.CoinID][vs]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("no positive %s rate for %s", vs, o.cfg.CoinID)
	}
	return rate, nil
}
