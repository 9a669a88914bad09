// Package gateway queries the payment gateway for an independent confirmation of a
// checkout session's payment state.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type sessionResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

// Client wraps resty for gateway session lookups.
type Client struct {
	r *resty.Client
}

func NewClient(baseURL, apiKey string) *Client {
	r := resty.NewWithClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}).
		SetBaseURL(baseURL).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond)
	if apiKey != "" {
		r.SetAuthToken(apiKey)
	}
	return &Client{r: r}
}

// IsSessionPaid reports whether the gateway considers the session paid. A 404 is a
// definite "no"; any other failure is returned as an error.
func (c *Client) IsSessionPaid(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	var out sessionResponse
	resp, err := c.r.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetResult(&out).
		Get("/checkout/sessions/{id}")
	if err != nil {
		return false, fmt.Errorf("gateway: get session: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("gateway: get session: status %d", resp.StatusCode())
	}
	status := out.PaymentStatus
	if status == "" {
		status = out.Status
	}
	switch strings.ToLower(status) {
	case "paid", "succeeded", "completed", "settled", "approved":
		return true, nil
	}
	return false, nil
}
