package orders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// IdempotencyHeader carries the key that makes CreateOrder safe to repeat.
const IdempotencyHeader = "Idempotency-Key"

// ErrRejected is returned for 4xx answers other than 409/429; retrying the same command
// will not help.
var ErrRejected = errors.New("orders: request rejected")

// Client calls the order service over HTTP.
type Client struct {
	r *resty.Client
}

// NewClient builds a client for baseURL. Timeouts are set per call by the caller's context.
func NewClient(baseURL, apiKey string) *Client {
	r := resty.NewWithClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}).
		SetBaseURL(baseURL).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		r.SetAuthToken(apiKey)
	}
	return &Client{r: r}
}

// CreateOrder posts cmd with the idempotency key header.
func (c *Client) CreateOrder(ctx context.Context, cmd Command, idempotencyKey string) (Result, error) {
	var out Result
	resp, err := c.r.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, idempotencyKey).
		SetBody(cmd).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return Result{}, fmt.Errorf("orders: create: %w", err)
	}
	if resp.IsError() {
		code := resp.StatusCode()
		if code >= 400 && code < 500 && code != http.StatusConflict && code != http.StatusTooManyRequests {
			return Result{}, fmt.Errorf("%w: status %d: %s", ErrRejected, code, resp.String())
		}
		return Result{}, fmt.Errorf("orders: create: status %d", code)
	}
	if out.OrderID == "" {
		return Result{}, fmt.Errorf("orders: create: response without orderId")
	}
	return out, nil
}
