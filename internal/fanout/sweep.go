package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrade/internal/metrics"
	"github.com/betbot/copytrade/internal/queue"
	"github.com/betbot/copytrade/internal/store"
	"github.com/betbot/copytrade/pkg/sigchan"
)

type SweeperOptions struct {
	// Interval between sweep passes.
	Interval time.Duration
	// PendingAge: a PENDING job older than this missed its publish.
	PendingAge time.Duration
	// ExecutingAge: an EXECUTING job older than this belongs to a dead
	// worker. Must exceed the worker's poll deadline or a slow-but-alive
	// execution gets reclaimed out from under it.
	ExecutingAge time.Duration
}

func (o *SweeperOptions) fillDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.PendingAge <= 0 {
		o.PendingAge = 2 * time.Minute
	}
	if o.ExecutingAge <= 0 {
		o.ExecutingAge = 5 * time.Minute
	}
}

// Sweeper repairs the two crash windows: jobs stuck PENDING because the
// publish never landed, and jobs stuck EXECUTING because the worker died
// between claim and finalize. Both repairs end in a re-publish; the normal
// delivery path takes it from there.
type Sweeper struct {
	store *store.Store
	pub   queue.Publisher
	opts  SweeperOptions

	kick   *sigchan.Chan
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(st *store.Store, pub queue.Publisher, opts SweeperOptions) *Sweeper {
	opts.fillDefaults()
	return &Sweeper{store: st, pub: pub, opts: opts, kick: sigchan.New(1)}
}

// Kick requests a sweep pass ahead of the next tick, e.g. right after a
// publish failure. Non-blocking.
func (s *Sweeper) Kick() {
	s.kick.Emit()
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.kick.C():
		}
		s.SweepOnce(ctx)
	}
}

// SweepOnce runs both repairs. Exported so tests and the admin surface can
// trigger a pass synchronously.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()

	orphans, err := s.store.ListStalePending(ctx, now.Add(-s.opts.PendingAge))
	if err != nil {
		log.Errorf("sweep: list stale pending: %v", err)
	}
	for _, j := range orphans {
		s.republish(ctx, j)
	}

	reclaimed, err := s.store.ReclaimStaleExecuting(ctx, now.Add(-s.opts.ExecutingAge))
	if err != nil {
		log.Errorf("sweep: reclaim stale executing: %v", err)
	}
	for _, j := range reclaimed {
		log.WithFields(logrus.Fields{
			"trade": j.LeaderTradeID, "follower": j.FollowerID,
		}).Warn("sweep: reclaimed stalled execution")
		s.republish(ctx, j)
	}
}

func (s *Sweeper) republish(ctx context.Context, j store.CopyJob) {
	msg := queue.Message{LeaderTradeID: j.LeaderTradeID, FollowerID: j.FollowerID}
	if err := s.pub.Publish(ctx, msg); err != nil {
		metrics.PublishErrors.Add(1)
		log.Errorf("sweep: republish %s/%s: %v", j.LeaderTradeID, j.FollowerID, err)
		return
	}
	metrics.SweepRepublished.Add(1)
	if err := s.store.MarkDispatched(ctx, j.LeaderTradeID, j.FollowerID); err != nil {
		log.Warnf("sweep: mark dispatched %s/%s: %v", j.LeaderTradeID, j.FollowerID, err)
	}
}

func (s *Sweeper) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
