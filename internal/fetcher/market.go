package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crypto-market-etl/internal/budget"
	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/retry"
)

const (
	quotesLatestPath = "/v1/cryptocurrency/quotes/latest"
	globalLatestPath = "/v1/global-metrics/quotes/latest"
	apiKeyHeader     = "X-CMC_PRO_API_KEY"
)

// MarketOptions parameterise the CoinMarketCap fetcher.
type MarketOptions struct {
	BaseURL    string
	APIKey     string
	Symbols    []string
	Currencies []string
	// IncludeGlobal also fetches global market metrics per currency.
	IncludeGlobal     bool
	Timeout           time.Duration
	UserAgent         string
	RequestsPerMinute int
	Retry             retry.Policy
}

// Market fetches quotes from CoinMarketCap.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	ledger  budget.Ledger
}

// NewMarket constructs a market fetcher. A nil ledger means no daily budget.
func NewMarket(opts MarketOptions, ledger budget.Ledger, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://pro-api.coinmarketcap.com"
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	if ledger == nil {
		ledger = budget.Unlimited{}
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{"USD"}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, 1),
		ledger:  ledger,
	}
}

// FetchLatest retrieves quotes (and optionally global metrics) once per
// configured currency. A missing API key fails before any request is sent.
func (m *Market) FetchLatest(ctx context.Context) (*RawPayload, error) {
	if strings.TrimSpace(m.opts.APIKey) == "" {
		return nil, &etlerr.AuthenticationError{Reason: "api key is not configured"}
	}

	payload := NewRawPayload(m.opts.Currencies...)
	symbols := strings.Join(m.opts.Symbols, ",")

	for _, currency := range m.opts.Currencies {
		if symbols != "" {
			data, err := m.get(ctx, payload, quotesLatestPath, url.Values{
				"symbol":  {symbols},
				"convert": {currency},
			})
			if err != nil {
				return payload, fmt.Errorf("fetch quotes in %s: %w", currency, err)
			}
			payload.Quotes[currency] = data
		}

		if m.opts.IncludeGlobal {
			data, err := m.get(ctx, payload, globalLatestPath, url.Values{"convert": {currency}})
			if err != nil {
				return payload, fmt.Errorf("fetch global metrics in %s: %w", currency, err)
			}
			payload.Global[currency] = data
		}
	}

	m.logger.Debug().
		Int("api_calls", payload.APICalls).
		Strs("currencies", payload.Currencies).
		Msg("fetched latest market data")

	return payload, nil
}

func (m *Market) get(ctx context.Context, payload *RawPayload, path string, params url.Values) (json.RawMessage, error) {
	var data json.RawMessage

	retrier := retry.Retrier{
		Policy:    m.opts.Retry,
		Retryable: etlerr.IsRetryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			m.logger.Warn().
				Err(err).
				Str("endpoint", path).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("upstream request failed, retrying")
		},
	}

	attempts, err := retrier.Do(ctx, func(ctx context.Context) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := m.ledger.Reserve(ctx, 1); err != nil {
			return &etlerr.ExternalServiceError{Permanent: true, Err: err}
		}

		payload.APICalls++
		body, err := m.do(ctx, path, params)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		var serviceErr *etlerr.ExternalServiceError
		if errors.As(err, &serviceErr) {
			serviceErr.Attempts = attempts
		}
		return nil, err
	}
	return data, nil
}

func (m *Market) do(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := m.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, m.opts.APIKey)
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "cryptoetl/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &etlerr.ExternalServiceError{Err: err}
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &etlerr.ExternalServiceError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var envelope apiResponse
	if err := json.Unmarshal(payloadBytes, &envelope); err != nil {
		return nil, &etlerr.ExternalServiceError{
			Status:    resp.StatusCode,
			Body:      string(payloadBytes),
			Permanent: true,
			Err:       fmt.Errorf("decode response: %w", err),
		}
	}
	if envelope.Status.ErrorCode != 0 {
		return nil, &etlerr.ExternalServiceError{
			Status:    resp.StatusCode,
			Body:      fmt.Sprintf("error_code %d: %s", envelope.Status.ErrorCode, envelope.Status.ErrorMessage),
			Permanent: true,
		}
	}

	m.logger.Debug().
		Str("endpoint", path).
		Int("credit_count", envelope.Status.CreditCount).
		Msg("upstream request succeeded")

	return envelope.Data, nil
}

type apiStatus struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	CreditCount  int    `json:"credit_count"`
}

type apiResponse struct {
	Status apiStatus       `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func parseHTTPError(status int, payload []byte) error {
	message := strings.TrimSpace(string(payload))
	var apiErr apiResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Status.ErrorMessage != "" {
		message = apiErr.Status.ErrorMessage
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if message == "" {
			message = http.StatusText(status)
		}
		return &etlerr.AuthenticationError{Status: status, Reason: message}
	case status == http.StatusTooManyRequests || status >= 500:
		return &etlerr.ExternalServiceError{Status: status, Body: message}
	default:
		return &etlerr.ExternalServiceError{Status: status, Body: message, Permanent: true}
	}
}

var _ MarketFetcher = (*Market)(nil)
