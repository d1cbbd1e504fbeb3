// Package venue is the thin client for the external trading system: request
// an order for an instrument/side/amount, then poll the returned signature
// until the venue reports a terminal status. The engine does not own retries
// beyond the bounded polling loop here; the queue's redelivery policy does.
package venue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/copytrade/pkg/ratelimit"
	"github.com/betbot/copytrade/pkg/usdc"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusFilled  Status = "filled"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusFailed || s == StatusExpired
}

type Order struct {
	Signature string `json:"signature"`
	Status    Status `json:"status"`
}

// Client is the contract the worker consumes; *HTTPClient implements it.
type Client interface {
	RequestOrder(ctx context.Context, instrument, side string, amountMicros int64) (Order, error)
	PollStatus(ctx context.Context, signature string) (Status, error)
}

type HTTPClient struct {
	client  *resty.Client
	limiter *ratelimit.TokenBucket
}

func NewHTTPClient(baseURL string) *HTTPClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", "copytrade-engine")
	return &HTTPClient{
		client: client,
		// 官方限流：每秒 10 次下单以内
		limiter: ratelimit.NewTokenBucket(10, 10),
	}
}

type orderRequest struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Amount     string `json:"amount"`
}

type statusResponse struct {
	Status Status `json:"status"`
}

func (c *HTTPClient) RequestOrder(ctx context.Context, instrument, side string, amountMicros int64) (Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Order{}, errors.Wrap(err, "rate limit wait")
	}
	var out Order
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(orderRequest{
			Instrument: instrument,
			Side:       side,
			Amount:     usdc.ToString(amountMicros),
		}).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return Order{}, errors.Wrap(err, "request order")
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return Order{}, errors.Errorf("request order: venue returned %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Signature == "" {
		return Order{}, errors.New("request order: venue returned no signature")
	}
	return out, nil
}

func (c *HTTPClient) PollStatus(ctx context.Context, signature string) (Status, error) {
	var out statusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/orders/" + signature)
	if err != nil {
		return "", errors.Wrap(err, "poll status")
	}
	if resp.StatusCode() != http.StatusOK {
		return "", errors.Errorf("poll status: venue returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Status, nil
}

// WaitTerminal polls until the order reaches a terminal status or the
// deadline elapses. A deadline hit is reported as an error; the caller
// treats it like any transient venue failure.
func WaitTerminal(ctx context.Context, c Client, signature string, deadline, interval time.Duration) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		st, err := c.PollStatus(ctx, signature)
		if err == nil && st.Terminal() {
			return st, nil
		}
		// transient poll errors keep the loop running until the deadline

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("order %s not terminal before deadline: %w", signature, ctx.Err())
		case <-t.C:
		}
	}
}
