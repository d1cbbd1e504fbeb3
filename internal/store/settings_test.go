package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertSettingsPreservesSpent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSettings(t, s, "bob", "alice", 5_000_000, 100_000_000)
	require.NoError(t, s.IncrementSpentIfWithinCap(ctx, "bob", "alice", 30_000_000))

	// raising the cap mid-flight must not reset the spent counter
	mustSettings(t, s, "bob", "alice", 5_000_000, 200_000_000)

	cs, err := s.GetSettings(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(30_000_000), cs.SpentMicros)
	require.Equal(t, int64(200_000_000), cs.MaxTotalMicros)
}

func TestIncrementSpentCapBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSettings(t, s, "bob", "alice", 5_000_000, 10_000_000)

	// exact fill up to the cap is allowed
	if err := s.IncrementSpentIfWithinCap(ctx, "bob", "alice", 10_000_000); err != nil {
		t.Fatalf("exact fill rejected: %v", err)
	}
	// one micro past the cap is not
	err := s.IncrementSpentIfWithinCap(ctx, "bob", "alice", 1)
	if !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("want ErrCapExceeded, got %v", err)
	}
	// missing row is distinguished from a cap miss
	err = s.IncrementSpentIfWithinCap(ctx, "nobody", "alice", 1)
	if !errors.Is(err, ErrSettingsNotFound) {
		t.Fatalf("want ErrSettingsNotFound, got %v", err)
	}

	cs, err := s.GetSettings(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, cs.MaxTotalMicros, cs.SpentMicros)
}

// Many concurrent increments must never push spent past the cap: the cap
// check and the increment are one conditional UPDATE.
func TestIncrementSpentConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSettings(t, s, "bob", "alice", 5_000_000, 35_000_000)

	var wg sync.WaitGroup
	okCh := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			okCh <- s.IncrementSpentIfWithinCap(ctx, "bob", "alice", 5_000_000) == nil
		}()
	}
	wg.Wait()
	close(okCh)

	wins := 0
	for ok := range okCh {
		if ok {
			wins++
		}
	}
	if wins != 7 {
		t.Fatalf("want exactly 7 winners (35/5), got %d", wins)
	}
	cs, err := s.GetSettings(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(35_000_000), cs.SpentMicros)
}

func TestGetEligibleFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSettings(t, s, "ok", "alice", 1_000_000, 10_000_000)
	mustSettings(t, s, "disabled", "alice", 1_000_000, 10_000_000)
	mustSettings(t, s, "expired", "alice", 1_000_000, 10_000_000)
	mustSettings(t, s, "spent", "alice", 1_000_000, 10_000_000)
	mustSettings(t, s, "other", "carol", 1_000_000, 10_000_000)

	off := false
	require.NoError(t, s.UpdateSettings(ctx, "disabled", "alice", SettingsPatch{Enabled: &off}))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpdateSettings(ctx, "expired", "alice", SettingsPatch{ExpiresAt: &past}))
	require.NoError(t, s.IncrementSpentIfWithinCap(ctx, "spent", "alice", 10_000_000))

	eligible, err := s.GetEligible(ctx, "alice", time.Now())
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, "ok", eligible[0].FollowerID)
}

func TestUpdateSettingsPatchAndToggle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSettings(t, s, "bob", "alice", 5_000_000, 100_000_000)

	amt := int64(7_000_000)
	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.UpdateSettings(ctx, "bob", "alice", SettingsPatch{
		AmountPerTradeMicros: &amt,
		ExpiresAt:            &exp,
	}))
	cs, err := s.GetSettings(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, amt, cs.AmountPerTradeMicros)
	require.NotNil(t, cs.ExpiresAt)

	require.NoError(t, s.UpdateSettings(ctx, "bob", "alice", SettingsPatch{ClearExpiry: true}))
	cs, err = s.GetSettings(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Nil(t, cs.ExpiresAt)

	enabled, err := s.ToggleEnabled(ctx, "bob", "alice")
	require.NoError(t, err)
	require.False(t, enabled)
	enabled, err = s.ToggleEnabled(ctx, "bob", "alice")
	require.NoError(t, err)
	require.True(t, enabled)

	err = s.UpdateSettings(ctx, "ghost", "alice", SettingsPatch{Enabled: &enabled})
	require.ErrorIs(t, err, ErrSettingsNotFound)
}
