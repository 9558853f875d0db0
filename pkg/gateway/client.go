// Package gateway calls the external payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

const (
	paymentsPath                = "payments"
	secretHeader                = "X-Gateway-Secret"
	responseBodyReadLimit int64 = 1024
)

var errBaseURLRequired = errors.New("payment gateway url is required")

// Client posts payment requests to the gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSecret sets the shared secret sent on every request.
func WithSecret(secret string) Option {
	return func(c *Client) {
		c.secret = strings.TrimSpace(secret)
	}
}

// NewClient builds a gateway client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errBaseURLRequired
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// PaymentRequest is the outbound request body.
type PaymentRequest struct {
	OrderID     string          `json:"orderId"`
	CardType    string          `json:"cardType"`
	CardNo      string          `json:"cardNo"`
	Amount      decimal.Decimal `json:"amount"`
	CallbackURL string          `json:"callbackUrl"`
}

// PaymentResponse is the gateway's acknowledgement. The final outcome
// arrives later on the callback URL.
type PaymentResponse struct {
	TransactionKey string `json:"transactionKey"`
	Status         string `json:"status"`
}

// RequestPayment submits the request. 4xx responses are validation errors;
// transport failures and 5xx responses are retryable dependency errors.
func (c *Client) RequestPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway client not configured")
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.CallbackURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id and callback url are required")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal payment request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(paymentsPath), bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build payment request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set(secretHeader, c.secret)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute payment request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, cause, "payment request rejected")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "payment request failed")
	}

	var out PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode payment response")
	}
	if strings.TrimSpace(out.TransactionKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment response missing transaction key")
	}
	return &out, nil
}

func (c *Client) buildURL(path string) string {
	trimmed := strings.TrimRight(c.baseURL, "/")
	path = strings.TrimLeft(path, "/")
	return fmt.Sprintf("%s/%s", trimmed, path)
}
