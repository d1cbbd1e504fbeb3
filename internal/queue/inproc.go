package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "queue")

// Handler consumes one delivery. A nil return acks the message; an error
// asks for redelivery until the retry bound is exhausted.
type Handler func(ctx context.Context, msg Message) error

// InProc delivers messages to a handler after a delay, redelivering with
// exponential backoff up to maxRetries. Delivery is at-least-once: a message
// may reach the handler again even after a nil return if the process is
// racing shutdown, exactly like the external queue's semantics.
type InProc struct {
	handler    Handler
	delay      time.Duration
	backoff    time.Duration
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInProc(handler Handler, delay, backoff time.Duration, maxRetries int) *InProc {
	if backoff <= 0 {
		backoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProc{
		handler:    handler,
		delay:      delay,
		backoff:    backoff,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (q *InProc) Publish(_ context.Context, msg Message) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.deliver(msg)
	}()
	return nil
}

func (q *InProc) deliver(msg Message) {
	if !q.sleep(q.delay) {
		return
	}

	wait := q.backoff
	for attempt := 0; ; attempt++ {
		dctx, cancel := context.WithTimeout(q.ctx, 2*time.Minute)
		err := q.handler(dctx, msg)
		cancel()
		if err == nil {
			return
		}
		if attempt >= q.maxRetries {
			log.WithFields(logrus.Fields{
				"trade":    msg.LeaderTradeID,
				"follower": msg.FollowerID,
			}).Warnf("dropping message after %d attempts: %v", attempt+1, err)
			return
		}
		if !q.sleep(wait) {
			return
		}
		wait *= 2
	}
}

func (q *InProc) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	select {
	case <-q.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Close stops delivery and waits for in-flight handlers to return.
func (q *InProc) Close() {
	q.cancel()
	q.wg.Wait()
}
