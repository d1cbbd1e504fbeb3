// Package fanout expands one leader trade into independent per-follower copy
// jobs (Dispatcher) and executes one job per queue delivery (Worker). All
// exclusivity lives in the job store's conditional state transitions; this
// package never holds job state in memory across deliveries.
package fanout

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrade/internal/metrics"
	"github.com/betbot/copytrade/internal/queue"
	"github.com/betbot/copytrade/internal/store"
)

var log = logrus.WithField("component", "fanout")

type Dispatcher struct {
	store *store.Store
	pub   queue.Publisher
	delay time.Duration
}

// NewDispatcher wires the dispatcher. delay is the fixed post-trade delay
// before workers pick a job up, giving the leader's trade time to settle.
func NewDispatcher(st *store.Store, pub queue.Publisher, delay time.Duration) *Dispatcher {
	return &Dispatcher{store: st, pub: pub, delay: delay}
}

// Dispatch fans a leader trade out to every qualifying follower. It never
// returns an error: the leader's own trade must not be blocked or rolled
// back by follower-side failures, so everything is logged and swallowed.
// Re-dispatch of the same trade creates no duplicate jobs.
func (d *Dispatcher) Dispatch(ctx context.Context, trade store.LeaderTrade) {
	l := log.WithFields(logrus.Fields{"trade": trade.LeaderTradeID, "leader": trade.LeaderID})
	metrics.TradesReceived.Add(1)

	if err := d.store.InsertLeaderTrade(ctx, trade); err != nil {
		l.Errorf("record leader trade: %v", err)
		return
	}

	eligible, err := d.store.GetEligible(ctx, trade.LeaderID, time.Now())
	if err != nil {
		l.Errorf("query eligible followers: %v", err)
		return
	}
	if len(eligible) == 0 {
		return
	}

	scheduledAt := time.Now().Add(d.delay)
	created := 0
	for _, cs := range eligible {
		ok, err := d.store.CreateJobIfAbsent(ctx, trade, cs.FollowerID, scheduledAt)
		if err != nil {
			// 单个 follower 失败不影响其他 follower 的 fan-out
			l.WithField("follower", cs.FollowerID).Errorf("create job: %v", err)
			continue
		}
		if !ok {
			metrics.JobsDuplicate.Add(1)
			continue
		}
		created++
		metrics.JobsCreated.Add(1)

		msg := queue.Message{LeaderTradeID: trade.LeaderTradeID, FollowerID: cs.FollowerID}
		if err := d.pub.Publish(ctx, msg); err != nil {
			// publish failure leaves the job PENDING; the orphan sweep
			// re-publishes it. Surfaced via metrics, never propagated.
			metrics.PublishErrors.Add(1)
			l.WithField("follower", cs.FollowerID).Errorf("publish job message: %v", err)
			continue
		}
		metrics.PublishOK.Add(1)
		if err := d.store.MarkDispatched(ctx, trade.LeaderTradeID, cs.FollowerID); err != nil {
			l.WithField("follower", cs.FollowerID).Warnf("mark dispatched: %v", err)
		}
	}

	l.Infof("fan-out: %d eligible, %d jobs created", len(eligible), created)
}
