package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coin_dash/internal/domain"
	"coin_dash/internal/infra/storage"
)

// APIKeyHeader carries the demo API key.
const APIKeyHeader = "x-cg-demo-api-key"

// Catalog is the cached coin list backing Search.
type Catalog interface {
	Valid() bool
	HasCache() bool
	Replace(coins []domain.CoinBasic) error
	Search(query string, limit int) ([]domain.CoinBasic, error)
	Info() storage.CacheInfo
	Clear() error
}

// marketItem is one element of /coins/markets.
type marketItem struct {
	ID                       string          `json:"id"`
	Symbol                   string          `json:"symbol"`
	Name                     string          `json:"name"`
	Image                    string          `json:"image"`
	CurrentPrice             decimal.Decimal `json:"current_price"`
	MarketCapRank            int             `json:"market_cap_rank"`
	PriceChangePercentage24h decimal.Decimal `json:"price_change_percentage_24h"`
	SparklineIn7d            struct {
		Price []float64 `json:"price"`
	} `json:"sparkline_in_7d"`
}

func (m marketItem) snapshot() domain.Snapshot {
	return domain.Snapshot{
		ID:            m.ID,
		Symbol:        m.Symbol,
		Name:          m.Name,
		Image:         m.Image,
		Price:         m.CurrentPrice,
		ChangePct24h:  m.PriceChangePercentage24h,
		MarketCapRank: m.MarketCapRank,
		Sparkline:     m.SparklineIn7d.Price,
	}
}

// marketChart is the /coins/{id}/market_chart payload.
type marketChart struct {
	Prices [][2]float64 `json:"prices"`
}

// CoinGeckoClient implements domain.MarketDataClient over the CoinGecko REST API.
type CoinGeckoClient struct {
	baseURL     string
	apiKey      string
	searchLimit int
	httpClient  *http.Client
	catalog     Catalog
	metrics     *Metrics
	logger      *slog.Logger

	refreshMu sync.Mutex
}

var _ domain.MarketDataClient = (*CoinGeckoClient)(nil)

// NewCoinGeckoClient creates a client from cfg. metrics may be nil.
func NewCoinGeckoClient(cfg *Config, catalog Catalog, metrics *Metrics) *CoinGeckoClient {
	timeout := time.Duration(cfg.API.CoinGecko.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.API.CoinGecko.SearchLimit
	if limit <= 0 {
		limit = 10
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 20
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &CoinGeckoClient{
		baseURL:     strings.TrimRight(cfg.API.CoinGecko.BaseURL, "/"),
		apiKey:      cfg.API.CoinGecko.APIKey,
		searchLimit: limit,
		httpClient:  &http.Client{Timeout: timeout, Transport: transport},
		catalog:     catalog,
		metrics:     metrics,
		logger:      slog.Default().With("module", "coingecko"),
	}
}

// FetchTop returns the top coins by market cap.
func (c *CoinGeckoClient) FetchTop(ctx context.Context, limit int) ([]domain.Snapshot, error) {
	return c.markets(ctx, nil, limit)
}

// FetchByIDs returns market data for ids, in market-cap order.
func (c *CoinGeckoClient) FetchByIDs(ctx context.Context, ids []string) ([]domain.Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return c.markets(ctx, ids, max(len(ids), 10))
}

func (c *CoinGeckoClient) markets(ctx context.Context, ids []string, perPage int) ([]domain.Snapshot, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", "1")
	params.Set("sparkline", "true")
	params.Set("price_change_percentage", "24h")
	if len(ids) > 0 {
		params.Set("ids", strings.Join(ids, ","))
	}

	var items []marketItem
	if err := c.get(ctx, "/coins/markets", params, &items); err != nil {
		return nil, err
	}

	out := make([]domain.Snapshot, 0, len(items))
	for _, it := range items {
		out = append(out, it.snapshot())
	}
	return out, nil
}

// Search returns up to the configured limit of catalog entries whose name,
// symbol or id contains query.
func (c *CoinGeckoClient) Search(ctx context.Context, query string) ([]domain.CoinBasic, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if err := c.ensureCatalog(ctx); err != nil {
		return nil, err
	}
	return c.catalog.Search(query, c.searchLimit)
}

// ensureCatalog refreshes an expired catalog. When the refresh fails but old
// rows exist, the old rows are used.
func (c *CoinGeckoClient) ensureCatalog(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.catalog.Valid() {
		return nil
	}

	c.logger.Info("Fetching fresh coins list")
	var coins []domain.CoinBasic
	err := c.get(ctx, "/coins/list", nil, &coins)
	if err == nil {
		err = c.catalog.Replace(coins)
	}
	if err != nil {
		if c.catalog.HasCache() {
			c.logger.Warn("Using expired cache due to API error", slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("fetch coins list: %w", err)
	}

	c.logger.Info("Cached coins for search", slog.Int("count", len(coins)))
	return nil
}

// FetchHistory returns the last 24h of prices for id.
func (c *CoinGeckoClient) FetchHistory(ctx context.Context, id string) (*domain.Series, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("days", "1")

	var chart marketChart
	if err := c.get(ctx, "/coins/"+url.PathEscape(id)+"/market_chart", params, &chart); err != nil {
		return nil, err
	}
	if len(chart.Prices) == 0 {
		return nil, fmt.Errorf("market chart %s: %w", id, domain.ErrEmptyResponse)
	}
	return domain.NewSeries(id, chart.Prices), nil
}

// CacheInfo reports the catalog cache state.
func (c *CoinGeckoClient) CacheInfo() storage.CacheInfo {
	return c.catalog.Info()
}

// ClearCache drops the catalog so the next search downloads it again.
func (c *CoinGeckoClient) ClearCache() error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if err := c.catalog.Clear(); err != nil {
		return err
	}
	c.logger.Info("CoinGecko catalog cache cleared")
	return nil
}

func (c *CoinGeckoClient) get(ctx context.Context, path string, params url.Values, out any) (err error) {
	op := "GET " + path
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordRequest(time.Since(start), err)
		}
	}()

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.NewFatalNetworkError(op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", DefaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	c.logger.Debug("API Request", slog.String("method", req.Method), slog.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := &domain.StatusError{Code: resp.StatusCode, Status: resp.Status}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return domain.NewFatalNetworkError(op, fmt.Errorf("%w: %w", domain.ErrNotFound, se))
		case se.Temporary():
			return domain.NewNetworkError(op, se)
		default:
			return domain.NewFatalNetworkError(op, se)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return domain.NewNetworkError(op, fmt.Errorf("decode: %w", err))
	}
	return nil
}
