package valuation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ksred/klear-profit/internal/config"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const maxResponseBytes = 1 << 20

// HTTPProvider reads valuations from the portfolio valuation endpoint:
// GET {base}/portfolios/{fund_name}/valuation?as_of=<unix seconds>.
type HTTPProvider struct {
	baseURL   string
	apiKey    string
	valuePath string
	client    *http.Client
}

func NewHTTPProvider(cfg config.Valuation) *HTTPProvider {
	path := cfg.ValuePath
	if path == "" {
		path = "data.total_usd"
	}
	return &HTTPProvider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		valuePath: path,
		client:    &http.Client{Transport: http.DefaultTransport},
	}
}

func (p *HTTPProvider) CurrentAssetValue(ctx context.Context, pf *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error) {
	logger := log.With().
		Uint("portfolio_id", pf.ID).
		Str("fund_name", pf.FundName).
		Int64("as_of", asOf.Unix()).
		Logger()

	endpoint := fmt.Sprintf("%s/portfolios/%s/valuation?as_of=%d", p.baseURL, url.PathEscape(pf.FundName), asOf.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: failed to build request: %v", ErrRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call valuation endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read valuation response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		logger.Warn().Int("status", resp.StatusCode).Msg("valuation endpoint unavailable")
		return decimal.Zero, fmt.Errorf("valuation endpoint returned status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	value, err := p.parse(body)
	if err != nil {
		return decimal.Zero, err
	}

	logger.Debug().Str("value", value.String()).Msg("asset value fetched")
	return value, nil
}

func (p *HTTPProvider) parse(body []byte) (decimal.Decimal, error) {
	if !gjson.ValidBytes(body) {
		return decimal.Zero, fmt.Errorf("%w: malformed response body", ErrRejected)
	}

	res := gjson.GetBytes(body, p.valuePath)
	var raw string
	switch res.Type {
	case gjson.Number:
		raw = res.Raw
	case gjson.String:
		raw = res.Str
	default:
		return decimal.Zero, fmt.Errorf("%w: no numeric value at %q", ErrRejected, p.valuePath)
	}

	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid value %q: %v", ErrRejected, raw, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative asset value %s", ErrRejected, value)
	}
	return value, nil
}
