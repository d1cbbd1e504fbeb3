package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateJobIfAbsentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)

	created, err := s.CreateJobIfAbsent(ctx, trade, "bob", time.Now())
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.CreateJobIfAbsent(ctx, trade, "bob", time.Now())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("duplicate create reported created=true")
	}

	jobs, err := s.ListJobsByTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(jobs))
	}
	if jobs[0].State != JobPending {
		t.Fatalf("want PENDING, got %s", jobs[0].State)
	}
}

func TestClaimForExecutionExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)
	if _, err := s.CreateJobIfAbsent(ctx, trade, "bob", time.Now()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimForExecution(ctx, "t1", "bob")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly 1 winning claim, got %d", wins)
	}

	job, err := s.GetJob(ctx, "t1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobExecuting || job.AttemptCount != 1 {
		t.Fatalf("state=%s attempts=%d", job.State, job.AttemptCount)
	}
}

func TestClaimForExecutionStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)
	if _, err := s.CreateJobIfAbsent(ctx, trade, "bob", time.Now()); err != nil {
		t.Fatal(err)
	}

	// PENDING → claimable
	ok, _ := s.ClaimForExecution(ctx, "t1", "bob")
	if !ok {
		t.Fatal("pending job not claimable")
	}
	// EXECUTING → not claimable
	ok, _ = s.ClaimForExecution(ctx, "t1", "bob")
	if ok {
		t.Fatal("executing job claimed twice")
	}
	// FAILED → claimable again
	if err := s.MarkFailed(ctx, "t1", "bob", "venue down"); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.ClaimForExecution(ctx, "t1", "bob")
	if !ok {
		t.Fatal("failed job not re-claimable")
	}
	// SUCCEEDED → never claimable
	mustSettings(t, s, "bob", "alice", 5_000_000, 100_000_000)
	if err := s.FinalizeSuccess(ctx, "t1", "bob", "alice", 5_000_000, "0xsig"); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.ClaimForExecution(ctx, "t1", "bob")
	if ok {
		t.Fatal("succeeded job claimed")
	}
	job, _ := s.GetJob(ctx, "t1", "bob")
	if job.AttemptCount != 2 {
		t.Fatalf("attempts=%d", job.AttemptCount)
	}
}

func TestFinalizeSuccessCommitsBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)
	mustSettings(t, s, "bob", "alice", 5_000_000, 100_000_000)
	if _, err := s.CreateJobIfAbsent(ctx, trade, "bob", time.Now()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ClaimForExecution(ctx, "t1", "bob"); !ok {
		t.Fatal("claim failed")
	}

	if err := s.FinalizeSuccess(ctx, "t1", "bob", "alice", 5_000_000, "0xsig"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	job, _ := s.GetJob(ctx, "t1", "bob")
	if job.State != JobSucceeded {
		t.Fatalf("state=%s", job.State)
	}
	if job.ResultSignature == nil || *job.ResultSignature != "0xsig" {
		t.Fatalf("result signature not recorded: %v", job.ResultSignature)
	}
	cs, _ := s.GetSettings(ctx, "bob", "alice")
	if cs.SpentMicros != 5_000_000 {
		t.Fatalf("spent=%d", cs.SpentMicros)
	}
}

// When the cap check loses at commit time, neither the spend nor the job
// transition may land.
func TestFinalizeSuccessBudgetRaceRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)
	mustSettings(t, s, "bob", "alice", 5_000_000, 6_000_000)
	if _, err := s.CreateJobIfAbsent(ctx, trade, "bob", time.Now()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ClaimForExecution(ctx, "t1", "bob"); !ok {
		t.Fatal("claim failed")
	}

	// a concurrent job drains the budget between validation and commit
	if err := s.IncrementSpentIfWithinCap(ctx, "bob", "alice", 4_000_000); err != nil {
		t.Fatal(err)
	}

	err := s.FinalizeSuccess(ctx, "t1", "bob", "alice", 5_000_000, "0xsig")
	if !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("want ErrCapExceeded, got %v", err)
	}

	job, _ := s.GetJob(ctx, "t1", "bob")
	if job.State != JobExecuting {
		t.Fatalf("job moved despite rollback: %s", job.State)
	}
	cs, _ := s.GetSettings(ctx, "bob", "alice")
	if cs.SpentMicros != 4_000_000 {
		t.Fatalf("spent=%d", cs.SpentMicros)
	}
}

func TestMarkSkippedRequiresExecuting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)
	if _, err := s.CreateJobIfAbsent(ctx, trade, "bob", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkSkipped(ctx, "t1", "bob", SkipCopyingDisabled); err == nil {
		t.Fatal("skipping a PENDING job should fail")
	}
	if ok, _ := s.ClaimForExecution(ctx, "t1", "bob"); !ok {
		t.Fatal("claim failed")
	}
	if err := s.MarkSkipped(ctx, "t1", "bob", SkipCopyingDisabled); err != nil {
		t.Fatalf("mark skipped: %v", err)
	}
	job, _ := s.GetJob(ctx, "t1", "bob")
	if job.State != JobSkipped || job.SkipReason == nil || *job.SkipReason != SkipCopyingDisabled {
		t.Fatalf("state=%s reason=%v", job.State, job.SkipReason)
	}
}

func TestSweepQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	trade := testTrade("t1", "alice")
	mustTrade(t, s, trade)
	if _, err := s.CreateJobIfAbsent(ctx, trade, "orphan", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateJobIfAbsent(ctx, trade, "stuck", time.Now()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ClaimForExecution(ctx, "t1", "stuck"); !ok {
		t.Fatal("claim failed")
	}

	cutoff := time.Now().Add(time.Second)

	orphans, err := s.ListStalePending(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].FollowerID != "orphan" {
		t.Fatalf("orphans=%v", orphans)
	}

	reclaimed, err := s.ReclaimStaleExecuting(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 || reclaimed[0].FollowerID != "stuck" {
		t.Fatalf("reclaimed=%v", reclaimed)
	}
	job, _ := s.GetJob(ctx, "t1", "stuck")
	if job.State != JobFailed {
		t.Fatalf("state=%s", job.State)
	}

	// nothing is younger than a past cutoff
	past, err := s.ReclaimStaleExecuting(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(past) != 0 {
		t.Fatalf("reclaimed fresh jobs: %v", past)
	}
}
