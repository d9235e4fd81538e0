// Package payments integrates the crypto payment provider: a REST client
// for estimates, invoice creation, and status probes, plus the
// orchestrator that turns provider callbacks into settled purchases and
// balance credits.
package payments

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
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/gramshop/server/internal/config"
	"github.com/gramshop/server/internal/httputil"
	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/money"
)

// Sentinel errors mapped from provider responses. Callers branch on these
// to pick the user-facing message.
var (
	ErrAmountTooLow         = errors.New("payments: amount below provider minimum")
	ErrCurrencyNotSupported = errors.New("payments: currency not supported")
	ErrAPIKeyInvalid        = errors.New("payments: api key rejected")
	ErrAPITimeout           = errors.New("payments: provider timed out")
	ErrAPIRequestFailed     = errors.New("payments: provider request failed")
)

// AmountTooLowError reports an amount under the provider minimum, with
// the minimum in both the pay currency and EUR when the provider
// disclosed them. Matches ErrAmountTooLow in errors.Is chains.
type AmountTooLowError struct {
	Currency  string
	MinCrypto decimal.Decimal
	MinEUR    money.Amount
}

func (e *AmountTooLowError) Error() string {
	if e.MinCrypto.IsPositive() {
		return fmt.Sprintf("payments: amount below provider minimum of %s %s (%s EUR)", e.MinCrypto, e.Currency, e.MinEUR)
	}
	return ErrAmountTooLow.Error()
}

func (e *AmountTooLowError) Unwrap() error { return ErrAmountTooLow }

// Estimate is the provider's conversion quote for a fiat amount.
type Estimate struct {
	Currency string
	Amount   decimal.Decimal
}

// Invoice is a created provider payment the user must fund.
type Invoice struct {
	PaymentID  string
	PayAddress string
	PayAmount  decimal.Decimal
	Currency   string
	CreatedAt  time.Time
}

// Status is a point-in-time view of a provider payment.
type Status struct {
	PaymentID     string
	PaymentStatus string
	PayAmount     decimal.Decimal
	ActuallyPaid  decimal.Decimal
	Currency      string
}

// Client talks to the payment provider REST API. Each endpoint gets its
// own timeout; all calls share one circuit breaker so a dead provider
// fails fast instead of tying up handler goroutines.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Metrics

	estimateTimeout time.Duration
	createTimeout   time.Duration
	statusTimeout   time.Duration
}

// NewClient builds the provider client from configuration.
func NewClient(cfg config.PaymentsConfig, breakerCfg config.CircuitBreakerConfig, log zerolog.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:          cfg.APIKey,
		http:            httputil.NewClient(0),
		log:             log.With().Str("component", "payments_client").Logger(),
		metrics:         m,
		estimateTimeout: cfg.EstimateTimeout.Duration,
		createTimeout:   cfg.CreateTimeout.Duration,
		statusTimeout:   cfg.StatusTimeout.Duration,
	}
	if breakerCfg.Enabled {
		p := breakerCfg.Provider
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "payment_provider",
			MaxRequests: p.MaxRequests,
			Interval:    p.Interval.Duration,
			Timeout:     p.Timeout.Duration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return p.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= p.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("provider breaker state change")
			},
		})
	}
	return c
}

type estimateResponse struct {
	CurrencyFrom    string          `json:"currency_from"`
	CurrencyTo      string          `json:"currency_to"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
}

// EstimateCrypto converts a EUR amount into the expected crypto amount.
func (c *Client) EstimateCrypto(ctx context.Context, amount money.Amount, currency string) (Estimate, error) {
	q := url.Values{}
	q.Set("amount", amount.Major())
	q.Set("currency_from", "eur")
	q.Set("currency_to", strings.ToLower(currency))

	var resp estimateResponse
	err := c.call(ctx, "estimate", c.estimateTimeout, http.MethodGet, "/v1/estimate?"+q.Encode(), nil, &resp)
	if err != nil {
		return Estimate{}, c.withMinimums(ctx, currency, err)
	}
	return Estimate{Currency: strings.ToLower(currency), Amount: resp.EstimatedAmount}, nil
}

type minAmountResponse struct {
	CurrencyFrom   string          `json:"currency_from"`
	CurrencyTo     string          `json:"currency_to"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	FiatEquivalent decimal.Decimal `json:"fiat_equivalent"`
}

// MinAmount asks the smallest payable amount for a currency, with its
// EUR equivalent.
func (c *Client) MinAmount(ctx context.Context, currency string) (decimal.Decimal, money.Amount, error) {
	q := url.Values{}
	q.Set("currency_from", "eur")
	q.Set("currency_to", strings.ToLower(currency))

	var resp minAmountResponse
	if err := c.call(ctx, "min_amount", c.estimateTimeout, http.MethodGet, "/v1/min-amount?"+q.Encode(), nil, &resp); err != nil {
		return decimal.Decimal{}, 0, err
	}
	return resp.MinAmount, money.FromDecimal(resp.FiatEquivalent), nil
}

// withMinimums upgrades a bare minimum-amount rejection with the actual
// provider floor so callers can tell the user what to send.
func (c *Client) withMinimums(ctx context.Context, currency string, err error) error {
	if !errors.Is(err, ErrAmountTooLow) {
		return err
	}
	e := &AmountTooLowError{Currency: strings.ToLower(currency)}
	if min, eur, mErr := c.MinAmount(ctx, currency); mErr == nil {
		e.MinCrypto, e.MinEUR = min, eur
	} else {
		c.log.Debug().Err(mErr).Str("currency", currency).Msg("minimum lookup failed")
	}
	return e
}

type createPaymentRequest struct {
	PriceAmount      string `json:"price_amount"`
	PriceCurrency    string `json:"price_currency"`
	PayCurrency      string `json:"pay_currency"`
	OrderID          string `json:"order_id,omitempty"`
	OrderDescription string `json:"order_description,omitempty"`
	IPNCallbackURL   string `json:"ipn_callback_url,omitempty"`
}

type createPaymentResponse struct {
	PaymentID     json.Number     `json:"payment_id"`
	PayAddress    string          `json:"pay_address"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	PayCurrency   string          `json:"pay_currency"`
	PaymentStatus string          `json:"payment_status"`
}

// CreatePayment opens a provider invoice for the EUR amount, payable in
// the given crypto currency.
func (c *Client) CreatePayment(ctx context.Context, amount money.Amount, currency, orderID, description, callbackURL string) (Invoice, error) {
	body := createPaymentRequest{
		PriceAmount:      amount.Major(),
		PriceCurrency:    "eur",
		PayCurrency:      strings.ToLower(currency),
		OrderID:          orderID,
		OrderDescription: description,
		IPNCallbackURL:   callbackURL,
	}
	var resp createPaymentResponse
	if err := c.call(ctx, "create_payment", c.createTimeout, http.MethodPost, "/v1/payment", body, &resp); err != nil {
		return Invoice{}, c.withMinimums(ctx, currency, err)
	}
	if resp.PaymentID.String() == "" || resp.PayAddress == "" {
		return Invoice{}, fmt.Errorf("%w: incomplete invoice in response", ErrAPIRequestFailed)
	}
	return Invoice{
		PaymentID:  resp.PaymentID.String(),
		PayAddress: resp.PayAddress,
		PayAmount:  resp.PayAmount,
		Currency:   resp.PayCurrency,
		CreatedAt:  time.Now(),
	}, nil
}

type statusResponse struct {
	PaymentID     json.Number     `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	ActuallyPaid  decimal.Decimal `json:"actually_paid"`
	PayCurrency   string          `json:"pay_currency"`
}

// PaymentStatus probes the current state of a provider payment. Used by
// the stale-pending sweeper when callbacks may have been lost.
func (c *Client) PaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	var resp statusResponse
	if err := c.call(ctx, "payment_status", c.statusTimeout, http.MethodGet, "/v1/payment/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return Status{}, err
	}
	return Status{
		PaymentID:     resp.PaymentID.String(),
		PaymentStatus: resp.PaymentStatus,
		PayAmount:     resp.PayAmount,
		ActuallyPaid:  resp.ActuallyPaid,
		Currency:      resp.PayCurrency,
	}, nil
}

type providerError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (c *Client) call(ctx context.Context, endpoint string, timeout time.Duration, method, path string, body, out any) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	exec := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return nil, c.doRequest(reqCtx, method, path, body, out)
	}

	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(exec)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit open", ErrAPIRequestFailed)
		}
	} else {
		_, err = exec()
	}

	if c.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.ProviderRequests.WithLabelValues(endpoint, result).Inc()
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payments: encode request: %w", err)
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline exceeded") {
			return ErrAPITimeout
		}
		return fmt.Errorf("%w: %v", ErrAPIRequestFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrAPIRequestFailed, err)
	}

	if resp.StatusCode >= 400 {
		return c.mapError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrAPIRequestFailed, err)
		}
	}
	return nil
}

// mapError translates provider error payloads into sentinel errors.
func (c *Client) mapError(status int, data []byte) error {
	var pe providerError
	_ = json.Unmarshal(data, &pe)
	combined := strings.ToUpper(pe.Code + " " + pe.Message)

	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return ErrAPIKeyInvalid
	case strings.Contains(combined, "AMOUNT_MINIMAL") || strings.Contains(combined, "TOO SMALL"):
		return ErrAmountTooLow
	case strings.Contains(combined, "CURRENCY") && (strings.Contains(combined, "NOT FOUND") || strings.Contains(combined, "UNAVAILABLE")):
		return ErrCurrencyNotSupported
	default:
		return fmt.Errorf("%w: status %d: %s", ErrAPIRequestFailed, status, strings.TrimSpace(pe.Message))
	}
}
