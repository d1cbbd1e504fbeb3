// Package queue carries one message per copy job to the workers. In
// production the durable queue is an external push service: we publish with a
// delay and a retry bound, it POSTs the message to our consume endpoint and
// retries with backoff while that endpoint reports failure. For development
// and tests an in-process queue mirrors the same at-least-once semantics.
package queue

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Message is the queue payload: the idempotency key of one fan-out unit.
type Message struct {
	LeaderTradeID string `json:"leaderTradeId"`
	FollowerID    string `json:"followerId"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// HTTPPublisher pushes messages to an external queue service which delivers
// them to the consume endpoint after the configured delay.
type HTTPPublisher struct {
	client     *resty.Client
	publishURL string
	targetURL  string
	delay      time.Duration
	maxRetries int
}

func NewHTTPPublisher(publishURL, targetURL string, delay time.Duration, maxRetries int) *HTTPPublisher {
	return &HTTPPublisher{
		client:     resty.New().SetTimeout(10 * time.Second),
		publishURL: publishURL,
		targetURL:  targetURL,
		delay:      delay,
		maxRetries: maxRetries,
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, msg Message) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Copytrade-Target", p.targetURL).
		SetHeader("Copytrade-Delay", strconv.Itoa(int(p.delay/time.Second))).
		SetHeader("Copytrade-Retries", strconv.Itoa(p.maxRetries)).
		SetBody(msg).
		Post(p.publishURL)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", msg.LeaderTradeID, msg.FollowerID, err)
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("publish %s/%s: queue returned %d: %s",
			msg.LeaderTradeID, msg.FollowerID, resp.StatusCode(), resp.String())
	}
	return nil
}
