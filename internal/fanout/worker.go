package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrade/internal/delegation"
	"github.com/betbot/copytrade/internal/metrics"
	"github.com/betbot/copytrade/internal/store"
	"github.com/betbot/copytrade/internal/venue"
	"github.com/betbot/copytrade/pkg/cache"
	"github.com/betbot/copytrade/pkg/usdc"
)

// DelegationChecker is what the worker needs from the delegation layer.
type DelegationChecker interface {
	HasValidDelegation(ctx context.Context, userID string) (delegation.Status, error)
}

type WorkerOptions struct {
	// MinTradableMicros is the smallest order worth sending to the venue.
	// Remaining budget below this skips the job as budget_exhausted.
	MinTradableMicros int64
	// PollDeadline bounds how long one execution waits for the venue to
	// reach a terminal order status.
	PollDeadline time.Duration
	PollInterval time.Duration
}

func (o *WorkerOptions) fillDefaults() {
	if o.MinTradableMicros <= 0 {
		o.MinTradableMicros = 10_000 // 0.01 USDC
	}
	if o.PollDeadline <= 0 {
		o.PollDeadline = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
}

// Worker executes exactly one copy job per queue delivery. A nil return acks
// the delivery (the job reached a terminal state, or someone else owns it); an
// error asks the queue to redeliver.
type Worker struct {
	store *store.Store
	auth  DelegationChecker
	venue venue.Client
	opts  WorkerOptions

	// trade rows are immutable once written, so caching them across the N
	// deliveries of one fan-out is safe. Settings and delegations are NOT
	// cached: those must be read fresh every execution.
	trades *cache.InMemory[string, store.LeaderTrade]
}

func NewWorker(st *store.Store, auth DelegationChecker, v venue.Client, opts WorkerOptions) *Worker {
	opts.fillDefaults()
	return &Worker{
		store:  st,
		auth:   auth,
		venue:  v,
		opts:   opts,
		trades: cache.NewInMemory[string, store.LeaderTrade](10 * time.Minute),
	}
}

func (w *Worker) leaderTrade(ctx context.Context, leaderTradeID string) (*store.LeaderTrade, error) {
	if t, ok := w.trades.Get(leaderTradeID); ok {
		return &t, nil
	}
	t, err := w.store.GetLeaderTrade(ctx, leaderTradeID)
	if err != nil {
		return nil, err
	}
	w.trades.Set(leaderTradeID, *t)
	return t, nil
}

// Execute runs one delivery for the job keyed by (leaderTradeID, followerID).
//
// The flow is claim → re-validate → order → finalize. Validation always runs
// against fresh rows, never against anything captured at dispatch time, so a
// follower who disabled copying or revoked delegation during the queue delay
// is skipped. The spend increment happens only inside FinalizeSuccess, after
// the venue confirms the fill.
func (w *Worker) Execute(ctx context.Context, leaderTradeID, followerID string) error {
	l := log.WithFields(logrus.Fields{"trade": leaderTradeID, "follower": followerID})

	job, err := w.store.GetJob(ctx, leaderTradeID, followerID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			// 队列里有消息但 job 行不存在，数据已损坏
			l.Error("delivery references a job row that does not exist")
			return fmt.Errorf("job %s/%s not found", leaderTradeID, followerID)
		}
		return err
	}
	if job.State.Terminal() {
		// duplicate delivery after a finished run; ack and move on
		l.WithField("state", job.State).Debug("job already terminal, dedup ack")
		return nil
	}

	claimed, err := w.store.ClaimForExecution(ctx, leaderTradeID, followerID)
	if err != nil {
		return err
	}
	if !claimed {
		// another worker holds the claim; no side effects allowed here
		l.Debug("claim lost, another worker is executing")
		return nil
	}

	return w.run(ctx, l, leaderTradeID, followerID)
}

// run owns the job after a successful claim: every exit path below must leave
// the row in SUCCEEDED, SKIPPED or FAILED.
func (w *Worker) run(ctx context.Context, l *logrus.Entry, leaderTradeID, followerID string) error {
	trade, err := w.leaderTrade(ctx, leaderTradeID)
	if err != nil {
		if errors.Is(err, store.ErrTradeNotFound) {
			l.Error("job exists but its leader trade row is missing")
			return w.fail(ctx, l, leaderTradeID, followerID, "leader trade row missing")
		}
		return w.fail(ctx, l, leaderTradeID, followerID, fmt.Sprintf("load leader trade: %v", err))
	}

	cs, err := w.store.GetSettings(ctx, followerID, trade.LeaderID)
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			l.Error("job exists but its copy settings row is missing")
			return w.fail(ctx, l, leaderTradeID, followerID, "copy settings row missing")
		}
		return w.fail(ctx, l, leaderTradeID, followerID, fmt.Sprintf("load settings: %v", err))
	}

	reason, err := w.validate(ctx, cs, followerID)
	if err != nil {
		return w.fail(ctx, l, leaderTradeID, followerID, fmt.Sprintf("check delegation: %v", err))
	}
	if reason != "" {
		if err := w.store.MarkSkipped(ctx, leaderTradeID, followerID, reason); err != nil {
			return err
		}
		metrics.JobsSkipped.Add(1)
		l.WithField("reason", reason).Info("job skipped")
		return nil
	}

	amount := usdc.Min(cs.AmountPerTradeMicros, cs.RemainingMicros())
	order, err := w.venue.RequestOrder(ctx, trade.MarketTicker, trade.Side, amount)
	if err != nil {
		return w.fail(ctx, l, leaderTradeID, followerID, fmt.Sprintf("request order: %v", err))
	}

	status := order.Status
	if !status.Terminal() {
		status, err = venue.WaitTerminal(ctx, w.venue, order.Signature, w.opts.PollDeadline, w.opts.PollInterval)
		if err != nil {
			return w.fail(ctx, l, leaderTradeID, followerID, fmt.Sprintf("await order %s: %v", order.Signature, err))
		}
	}
	if status != venue.StatusFilled {
		return w.fail(ctx, l, leaderTradeID, followerID,
			fmt.Sprintf("order %s ended %s", order.Signature, status))
	}

	err = w.store.FinalizeSuccess(ctx, leaderTradeID, followerID, trade.LeaderID, amount, order.Signature)
	if errors.Is(err, store.ErrCapExceeded) {
		// a concurrent job consumed the remaining budget between our
		// validation read and this commit
		metrics.BudgetRaces.Add(1)
		if err := w.store.MarkSkipped(ctx, leaderTradeID, followerID, store.SkipBudgetRace); err != nil {
			return err
		}
		metrics.JobsSkipped.Add(1)
		l.Warnf("budget race: fill of %s not counted against cap", usdc.ToString(amount))
		return nil
	}
	if err != nil {
		// job stays EXECUTING; the stale-executing sweep reclaims it
		return fmt.Errorf("finalize %s/%s: %w", leaderTradeID, followerID, err)
	}

	metrics.JobsSucceeded.Add(1)
	l.Infof("job succeeded: %s on %s/%s, order %s",
		usdc.ToString(amount), trade.MarketTicker, trade.Side, order.Signature)
	return nil
}

// validate re-checks every follower-side condition against fresh state.
// Returns the skip reason, or "" when the job should execute. An error means
// the check itself could not run (retryable), not that it failed.
func (w *Worker) validate(ctx context.Context, cs *store.CopySettings, followerID string) (string, error) {
	if !cs.Enabled {
		return store.SkipCopyingDisabled, nil
	}
	if cs.ExpiresAt != nil && !cs.ExpiresAt.After(time.Now()) {
		return store.SkipSettingsExpired, nil
	}
	st, err := w.auth.HasValidDelegation(ctx, followerID)
	if err != nil {
		return "", err
	}
	if !st.Valid {
		return store.SkipDelegationInvalid, nil
	}
	if cs.RemainingMicros() < w.opts.MinTradableMicros {
		return store.SkipBudgetExhausted, nil
	}
	return "", nil
}

func (w *Worker) fail(ctx context.Context, l *logrus.Entry, leaderTradeID, followerID, detail string) error {
	if err := w.store.MarkFailed(ctx, leaderTradeID, followerID, detail); err != nil {
		return err
	}
	metrics.JobsFailed.Add(1)
	l.Warnf("job failed: %s", detail)
	return errors.New(detail)
}
