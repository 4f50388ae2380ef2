package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"spreadpilot/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const clientIDHeader = "X-Gateway-Client-Id"

// Client is the broker capability exposed by one gateway instance. All
// methods are bounded by the passed context; none block indefinitely.
type Client interface {
	Heartbeat(ctx context.Context) error
	WhatIf(ctx context.Context, order SpreadOrder) (*MarginImpact, error)
	SnapshotQuote(ctx context.Context, ticker string, strike decimal.Decimal) (*Quote, error)
	PlaceOrder(ctx context.Context, order SpreadOrder) (*OrderStatus, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context, ticker string) ([]PositionEntry, error)
	Exercise(ctx context.Context, ticker string, strike decimal.Decimal, quantity int) error
}

// Factory builds a Client bound to one gateway identity. Injected into
// the resource manager so tests can substitute a fake broker.
type Factory func(port, clientID int) Client

// RestClient talks to the local gateway bridge over HTTP.
// It implements the Client interface.
type RestClient struct {
	client   *resty.Client
	clientID int
	logger   *zap.Logger
	limiter  *rate.Limiter
}

// ensure RestClient implements the interface
var _ Client = (*RestClient)(nil)

// NewRestClient creates a client for the gateway bridge listening on the
// given loopback port.
func NewRestClient(cfg *config.Broker, port, clientID int, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d/v1", port)).
		SetTimeout(cfg.RequestTimeout).
		SetHeader(clientIDHeader, strconv.Itoa(clientID))

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:   client,
		clientID: clientID,
		logger:   logger.With(zap.Int("gateway_port", port), zap.Int("client_id", clientID)),
		limiter:  limiter,
	}
}

// NewFactory returns a Factory producing RestClients with shared broker
// configuration.
func NewFactory(cfg *config.Broker, logger *zap.Logger) Factory {
	return func(port, clientID int) Client {
		return NewRestClient(cfg, port, clientID, logger)
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing gateway request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze the failure and decide whether a retry is worthwhile.
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("gateway request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Gateway request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("gateway request failed after %d attempts: %w", maxRetries, err)
}

// Heartbeat issues the lightweight probe used by health checks.
func (c *RestClient) Heartbeat(ctx context.Context) error {
	req := c.client.R()
	if _, err := c.doRequest(ctx, "GET", "/heartbeat", req); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// WhatIf runs a non-binding margin simulation for the order.
func (c *RestClient) WhatIf(ctx context.Context, order SpreadOrder) (*MarginImpact, error) {
	var impact MarginImpact
	req := c.client.R().
		SetBody(order).
		SetResult(&impact)

	if _, err := c.doRequest(ctx, "POST", "/margin/whatif", req); err != nil {
		return nil, fmt.Errorf("what-if simulation failed: %w", err)
	}
	return &impact, nil
}

// SnapshotQuote fetches the current market data for one option leg.
func (c *RestClient) SnapshotQuote(ctx context.Context, ticker string, strike decimal.Decimal) (*Quote, error) {
	var quote Quote
	req := c.client.R().
		SetQueryParam("strike", strike.StringFixed(2)).
		SetResult(&quote)

	if _, err := c.doRequest(ctx, "GET", "/marketdata/"+ticker, req); err != nil {
		return nil, fmt.Errorf("snapshot for %s failed: %w", ticker, err)
	}
	return &quote, nil
}

// PlaceOrder submits the combo limit order to the gateway.
func (c *RestClient) PlaceOrder(ctx context.Context, order SpreadOrder) (*OrderStatus, error) {
	var status OrderStatus
	req := c.client.R().
		SetBody(order).
		SetResult(&status)

	if _, err := c.doRequest(ctx, "POST", "/orders", req); err != nil {
		c.logger.Error("Failed to place order",
			zap.String("client_order_id", order.ClientOrderID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	return &status, nil
}

// GetOrderStatus fetches the working state of a previously placed order.
func (c *RestClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var status OrderStatus
	req := c.client.R().SetResult(&status)

	if _, err := c.doRequest(ctx, "GET", "/orders/"+orderID, req); err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return &status, nil
}

// CancelOrder cancels the remaining quantity of a working order.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) error {
	req := c.client.R()
	if _, err := c.doRequest(ctx, "DELETE", "/orders/"+orderID, req); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// Positions fetches the broker-reported option positions for a ticker.
func (c *RestClient) Positions(ctx context.Context, ticker string) ([]PositionEntry, error) {
	var positions []PositionEntry
	req := c.client.R().
		SetQueryParam("ticker", ticker).
		SetResult(&positions)

	resp, err := c.doRequest(ctx, "GET", "/positions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	result := resp.Result().(*[]PositionEntry)
	return *result, nil
}

// Exercise requests early exercise of a long option leg.
func (c *RestClient) Exercise(ctx context.Context, ticker string, strike decimal.Decimal, quantity int) error {
	body := map[string]any{
		"ticker":   ticker,
		"strike":   strike.StringFixed(2),
		"quantity": quantity,
	}
	req := c.client.R().SetBody(body)

	if _, err := c.doRequest(ctx, "POST", "/exercise", req); err != nil {
		return fmt.Errorf("exercise request failed: %w", err)
	}
	return nil
}
