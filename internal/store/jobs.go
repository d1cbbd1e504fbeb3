package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateJobIfAbsent creates the one fan-out unit for (leaderTradeId,
// followerId). The primary key makes duplicate dispatch of the same trade a
// silent no-op; created reports whether this call inserted the row.
func (s *Store) CreateJobIfAbsent(ctx context.Context, trade LeaderTrade, followerID string, scheduledAt time.Time) (bool, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO copy_jobs (leader_trade_id, follower_id, leader_id, state, attempt_count, scheduled_at, created_at, updated_at)
VALUES (?,?,?,?,0,?,?,?)
ON CONFLICT (leader_trade_id, follower_id) DO NOTHING
`, trade.LeaderTradeID, followerID, trade.LeaderID, JobPending,
		scheduledAt.Format(time.RFC3339Nano), now, now)
	if err != nil {
		return false, fmt.Errorf("create copy job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) GetJob(ctx context.Context, leaderTradeID, followerID string) (*CopyJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE leader_trade_id=? AND follower_id=?`,
		leaderTradeID, followerID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan copy job: %w", err)
	}
	return j, nil
}

// MarkDispatched records that the queue accepted the message. Only a PENDING
// job moves; a job already claimed by a fast worker is left alone.
func (s *Store) MarkDispatched(ctx context.Context, leaderTradeID, followerID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE copy_jobs SET state=?, updated_at=?
WHERE leader_trade_id=? AND follower_id=? AND state=?
`, JobDispatched, time.Now().Format(time.RFC3339Nano), leaderTradeID, followerID, JobPending)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// ClaimForExecution is the exclusive transition into EXECUTING. Exactly one
// concurrent caller gets claimed=true; everyone else must return without side
// effects. DISPATCHED is claimable because delivery always happens after
// publish; FAILED is claimable for queue redelivery.
func (s *Store) ClaimForExecution(ctx context.Context, leaderTradeID, followerID string) (bool, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE copy_jobs
SET state=?, attempt_count=attempt_count+1, executed_at=?, updated_at=?
WHERE leader_trade_id=? AND follower_id=? AND state IN (?,?,?)
`, JobExecuting, now, now, leaderTradeID, followerID, JobPending, JobDispatched, JobFailed)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSkipped finalizes an EXECUTING job without moving funds.
func (s *Store) MarkSkipped(ctx context.Context, leaderTradeID, followerID, reason string) error {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE copy_jobs SET state=?, skip_reason=?, finalized_at=?, updated_at=?
WHERE leader_trade_id=? AND follower_id=? AND state=?
`, JobSkipped, reason, now, now, leaderTradeID, followerID, JobExecuting)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark skipped: job %s/%s not in EXECUTING", leaderTradeID, followerID)
	}
	return nil
}

// MarkFailed records a retryable failure; the queue's own policy decides
// whether the job is delivered again.
func (s *Store) MarkFailed(ctx context.Context, leaderTradeID, followerID, errDetail string) error {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE copy_jobs SET state=?, error_detail=?, updated_at=?
WHERE leader_trade_id=? AND follower_id=? AND state=?
`, JobFailed, errDetail, now, leaderTradeID, followerID, JobExecuting)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed: job %s/%s not in EXECUTING", leaderTradeID, followerID)
	}
	return nil
}

// FinalizeSuccess commits the spend increment and the SUCCEEDED transition in
// one transaction: both happen or neither does. Returns ErrCapExceeded when a
// concurrent job for the same pair consumed the remaining budget after this
// job's validation read (the budget race).
func (s *Store) FinalizeSuccess(ctx context.Context, leaderTradeID, followerID, leaderID string, executedMicros int64, resultSignature string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := incrementSpent(ctx, tx, followerID, leaderID, executedMicros); err != nil {
		return err
	}

	now := time.Now().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
UPDATE copy_jobs SET state=?, result_signature=?, finalized_at=?, updated_at=?
WHERE leader_trade_id=? AND follower_id=? AND state=?
`, JobSucceeded, resultSignature, now, now, leaderTradeID, followerID, JobExecuting)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize: job %s/%s not in EXECUTING", leaderTradeID, followerID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

func (s *Store) ListJobsByTrade(ctx context.Context, leaderTradeID string) ([]CopyJob, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE leader_trade_id=? ORDER BY follower_id`, leaderTradeID)
	if err != nil {
		return nil, fmt.Errorf("query jobs by trade: %w", err)
	}
	return collectJobs(rows)
}

func (s *Store) ListJobsByFollower(ctx context.Context, followerID string, limit int) ([]CopyJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE follower_id=? ORDER BY created_at DESC LIMIT ?`, followerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs by follower: %w", err)
	}
	return collectJobs(rows)
}

// ListStalePending returns PENDING jobs whose publish likely never landed
// (created before the cutoff and still unpublished). The orphan sweep
// re-publishes them.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]CopyJob, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE state=? AND updated_at < ?`, JobPending, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}
	return collectJobs(rows)
}

// ReclaimStaleExecuting moves EXECUTING jobs that outlived the venue deadline
// (worker crashed between claim and finalize) back to FAILED so a sweep can
// re-publish them. The per-row conditional update keeps the exclusivity
// guard: a worker that is merely slow and finalizes first wins.
func (s *Store) ReclaimStaleExecuting(ctx context.Context, cutoff time.Time) ([]CopyJob, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE state=? AND updated_at < ?`, JobExecuting, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query stale executing: %w", err)
	}
	stale, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	var reclaimed []CopyJob
	for _, j := range stale {
		res, err := s.db.ExecContext(ctx, `
UPDATE copy_jobs SET state=?, error_detail=?, updated_at=?
WHERE leader_trade_id=? AND follower_id=? AND state=? AND updated_at < ?
`, JobFailed, "execution stalled past deadline, reclaimed by sweep",
			time.Now().Format(time.RFC3339Nano),
			j.LeaderTradeID, j.FollowerID, JobExecuting, cutoff.Format(time.RFC3339Nano))
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim stale job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reclaimed = append(reclaimed, j)
		}
	}
	return reclaimed, nil
}

const jobSelect = `
SELECT leader_trade_id, follower_id, leader_id, state, skip_reason, attempt_count,
       scheduled_at, executed_at, finalized_at, result_signature, error_detail,
       created_at, updated_at
FROM copy_jobs`

func scanJob(row rowScanner) (*CopyJob, error) {
	var (
		j           CopyJob
		state       string
		skipReason  sql.NullString
		scheduledAt string
		executedAt  sql.NullString
		finalizedAt sql.NullString
		resultSig   sql.NullString
		errDetail   sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&j.LeaderTradeID, &j.FollowerID, &j.LeaderID, &state, &skipReason,
		&j.AttemptCount, &scheduledAt, &executedAt, &finalizedAt, &resultSig, &errDetail,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.State = JobState(state)
	if skipReason.Valid {
		v := skipReason.String
		j.SkipReason = &v
	}
	j.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	j.ExecutedAt = parseNullTime(executedAt)
	j.FinalizedAt = parseNullTime(finalizedAt)
	if resultSig.Valid {
		v := resultSig.String
		j.ResultSignature = &v
	}
	if errDetail.Valid {
		v := errDetail.String
		j.ErrorDetail = &v
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]CopyJob, error) {
	defer rows.Close()
	var out []CopyJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan copy job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
