package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/kredo/types"
)

// Compile-time interface checks
var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func storeFactories(t *testing.T) map[string]func(clock *fixedClock) Store {
	return map[string]func(clock *fixedClock) Store{
		"bolt": func(clock *fixedClock) Store {
			s, err := NewBoltStore(t.TempDir())
			require.NoError(t, err)
			s.now = clock.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"memory": func(clock *fixedClock) Store {
			s := NewMemoryStore()
			s.now = clock.Now
			return s
		},
	}
}

func TestStore_AppendAndOrder(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{now: epoch}
			s := factory(clock)
			ctx := context.Background()

			first, err := s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: "click", CampaignID: "c1"})
			require.NoError(t, err)
			assert.NotEmpty(t, first.ID)
			assert.Equal(t, int64(1), first.Sequence)
			assert.Equal(t, types.EventClick, first.Kind)
			assert.Equal(t, epoch, first.Timestamp)

			// Same clock reading still yields a strictly later timestamp
			second, err := s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventView})
			require.NoError(t, err)
			assert.True(t, second.Timestamp.After(first.Timestamp))
			assert.Equal(t, int64(2), second.Sequence)

			_, err = s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s2", Kind: types.EventClick})
			require.NoError(t, err)

			clock.Set(epoch.Add(time.Hour))
			third, err := s.AppendTouchpoint(ctx, types.Touchpoint{
				SessionID: "s1",
				Kind:      types.EventClick,
				Timestamp: epoch.Add(-48 * time.Hour), // client value is ignored
			})
			require.NoError(t, err)
			assert.Equal(t, epoch.Add(time.Hour), third.Timestamp)

			journey, err := s.SessionTouchpoints(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, journey, 3)
			assert.Equal(t, first.ID, journey[0].ID)
			assert.Equal(t, second.ID, journey[1].ID)
			assert.Equal(t, third.ID, journey[2].ID)

			empty, err := s.SessionTouchpoints(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_AppendRejectsMalformed(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			tests := []types.Touchpoint{
				{Kind: types.EventClick},
				{SessionID: "s1"},
				{SessionID: "s1", Kind: "HOVER"},
				{SessionID: "bad\x00id", Kind: types.EventClick},
			}
			for _, tp := range tests {
				_, err := s.AppendTouchpoint(ctx, tp)
				assert.True(t, errors.Is(err, types.ErrInvalidTouchpoint), "%+v", tp)
			}

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Touchpoints, "no partial write")
		})
	}
}

func TestStore_SessionSummary(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{now: epoch}
			s := factory(clock)
			ctx := context.Background()

			_, err := s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventClick, CampaignID: "c1"})
			require.NoError(t, err)
			clock.Set(epoch.Add(time.Minute))
			_, err = s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventClick, CampaignID: "c2"})
			require.NoError(t, err)
			clock.Set(epoch.Add(2 * time.Minute))
			_, err = s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventView})
			require.NoError(t, err)

			summary, err := s.SessionSummary(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 3, summary.Touchpoints)
			assert.Equal(t, "c2", summary.LastCampaignID)
			assert.Equal(t, epoch, summary.FirstSeen)
			assert.Equal(t, epoch.Add(2*time.Minute), summary.LastSeen)

			_, err = s.SessionSummary(ctx, "nope")
			assert.True(t, errors.Is(err, types.ErrNotFound))
		})
	}
}

func attributedDecision(orderID, campaign string, value float64) types.Decision {
	return types.Decision{
		OrderID:         orderID,
		CampaignID:      campaign,
		PrimaryAgency:   "agency-a",
		Confidence:      85,
		Breakdown:       types.Breakdown{"agency-a": 1},
		Model:           types.ModelLastClick,
		TouchpointCount: 1,
		ConversionValue: value,
		Currency:        "USD",
		OccurredAt:      epoch,
	}
}

func TestStore_CommitSupersedes(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			res, err := s.CommitDecision(ctx, attributedDecision("1001", "c1", 100))
			require.NoError(t, err)
			assert.False(t, res.Superseded())
			assert.Equal(t, int64(1), res.Stored.Version)
			assert.NotEmpty(t, res.Stored.ID)

			next := attributedDecision("1001", "c1", 100)
			next.Confidence = 90
			res, err = s.CommitDecision(ctx, next)
			require.NoError(t, err)
			require.True(t, res.Superseded())
			assert.Equal(t, int64(2), res.Stored.Version)
			assert.Equal(t, int64(1), res.Stored.Supersedes)
			assert.Equal(t, 85, res.Previous.Confidence)

			current, err := s.GetDecision(ctx, "1001")
			require.NoError(t, err)
			assert.Equal(t, 90, current.Confidence)

			history, err := s.DecisionHistory(ctx, "1001")
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, int64(1), history[0].Version)
			assert.Equal(t, int64(2), history[1].Version)

			// Re-commit does not double count
			perf, err := s.CampaignPerformance(ctx, "c1", time.Time{}, time.Time{})
			require.NoError(t, err)
			require.Len(t, perf, 1)
			assert.Equal(t, int64(1), perf[0].AttributedOrders)
			assert.InDelta(t, 100, perf[0].AttributedRevenue, 1e-9)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Decisions)
		})
	}
}

func TestStore_CommitRejectsInvalid(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			bad := attributedDecision("1001", "c1", 100)
			bad.Breakdown = types.Breakdown{"agency-a": 0.5}
			_, err := s.CommitDecision(ctx, bad)
			assert.True(t, errors.Is(err, types.ErrInvalidDecision))

			_, err = s.GetDecision(ctx, "1001")
			assert.True(t, errors.Is(err, types.ErrNotFound), "no half-written decision")
			_, err = s.DecisionHistory(ctx, "1001")
			assert.True(t, errors.Is(err, types.ErrNotFound))
		})
	}
}

func TestStore_ReadsAreIsolated(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			in := attributedDecision("1001", "c1", 100)
			in.Advisory = &types.Advisory{Decision: "release", Reasons: []string{"ok"}}
			res, err := s.CommitDecision(ctx, in)
			require.NoError(t, err)

			in.Breakdown["agency-a"] = 0.1
			res.Stored.Breakdown["agency-z"] = 1
			res.Stored.Advisory.Reasons[0] = "tampered"

			got, err := s.GetDecision(ctx, "1001")
			require.NoError(t, err)
			got.Breakdown["agency-a"] = 0.5
			got.Advisory.Reasons[0] = "tampered"

			history, err := s.DecisionHistory(ctx, "1001")
			require.NoError(t, err)
			require.Len(t, history, 1)
			history[0].Breakdown["agency-b"] = 0.5

			for _, read := range []func() (*types.Decision, error){
				func() (*types.Decision, error) { return s.GetDecision(ctx, "1001") },
				func() (*types.Decision, error) {
					h, err := s.DecisionHistory(ctx, "1001")
					if err != nil {
						return nil, err
					}
					return &h[0], nil
				},
			} {
				d, err := read()
				require.NoError(t, err)
				assert.Equal(t, types.Breakdown{"agency-a": 1}, d.Breakdown)
				assert.Equal(t, []string{"ok"}, d.Advisory.Reasons)
			}
		})
	}
}

func TestStore_CommitRejectsNULOrderID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			_, err := s.CommitDecision(ctx, attributedDecision("a\x00b", "c1", 10))
			assert.True(t, errors.Is(err, types.ErrInvalidDecision))
		})
	}
}

// Keys written under an id that extends another id past the separator
// must not surface in the shorter id's scans.
func TestBoltStore_ScansStayWithinOwnID(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	s.now = (&fixedClock{now: epoch}).Now
	ctx := context.Background()

	_, err = s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "a", Kind: types.EventClick})
	require.NoError(t, err)
	_, err = s.CommitDecision(ctx, attributedDecision("a", "c", 10))
	require.NoError(t, err)

	foreign := types.Decision{OrderID: "a\x00b", Version: 1, Model: types.ModelFallback}
	foreignJSON, err := json.Marshal(foreign)
	require.NoError(t, err)
	foreignTP, err := json.Marshal(types.Touchpoint{SessionID: "a\x00b", Kind: types.EventView})
	require.NoError(t, err)
	foreignPerf, err := json.Marshal(types.CampaignPerformance{CampaignID: "c\x00x", Date: "2025-05-01", AttributedOrders: 7})
	require.NoError(t, err)

	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDecisionHistory).Put(makeHistoryKey("a\x00b", 1), foreignJSON); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTouchpoints).Put(makeTouchpointKey("a\x00b", epoch, 99), foreignTP); err != nil {
			return err
		}
		return tx.Bucket(bucketPerformance).Put(makePerformanceKey("c\x00x", "2025-05-01"), foreignPerf)
	}))

	history, err := s.DecisionHistory(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "a", history[0].OrderID)

	journey, err := s.SessionTouchpoints(ctx, "a")
	require.NoError(t, err)
	require.Len(t, journey, 1)
	assert.Equal(t, "a", journey[0].SessionID)

	perf, err := s.CampaignPerformance(ctx, "c", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, int64(1), perf[0].AttributedOrders)
}

func TestOwnsKey(t *testing.T) {
	prefix := sessionPrefix("a")
	tests := []struct {
		name string
		key  []byte
		want bool
	}{
		{"own key", makeTouchpointKey("a", epoch, 1), true},
		{"longer id", makeTouchpointKey("a\x00b", epoch, 1), false},
		{"other id", makeTouchpointKey("b", epoch, 1), false},
		{"truncated", prefix, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ownsKey(tt.key, prefix, touchpointSuffixLen))
		})
	}
}

func TestStore_PerformanceRange(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			for i, orderID := range []string{"a", "b", "c"} {
				d := attributedDecision(orderID, "c1", 10)
				d.OccurredAt = epoch.Add(time.Duration(i) * 24 * time.Hour)
				_, err := s.CommitDecision(ctx, d)
				require.NoError(t, err)
			}
			fallback := types.FallbackDecision()
			fallback.OrderID = "d"
			_, err := s.CommitDecision(ctx, fallback)
			require.NoError(t, err)

			perf, err := s.CampaignPerformance(ctx, "c1", epoch.Add(24*time.Hour), epoch.Add(48*time.Hour))
			require.NoError(t, err)
			require.Len(t, perf, 2)
			assert.Equal(t, "2025-05-02", perf[0].Date)
			assert.Equal(t, "2025-05-03", perf[1].Date)

			none, err := s.CampaignPerformance(ctx, "c9", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_ConcurrentCommitsSameOrder(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(&fixedClock{now: epoch})
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.CommitDecision(ctx, attributedDecision("dup", "c1", 25))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			history, err := s.DecisionHistory(ctx, "dup")
			require.NoError(t, err)
			assert.Len(t, history, 10)

			perf, err := s.CampaignPerformance(ctx, "c1", time.Time{}, time.Time{})
			require.NoError(t, err)
			require.Len(t, perf, 1)
			assert.Equal(t, int64(1), perf[0].AttributedOrders)
		})
	}
}

func TestBoltStore_ReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventClick, CampaignID: "c1"})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, int64(3), reopened.CurrentRevision())

	summary, err := reopened.SessionSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Touchpoints)

	tp, err := reopened.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventView})
	require.NoError(t, err)
	assert.Equal(t, int64(4), tp.Sequence)

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Touchpoints)
	assert.Equal(t, 1, stats.Sessions)
	assert.Greater(t, stats.SizeBytes, int64(0))
}

func TestBoltStore_SessionQueryHonorsContext(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	_, err = s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: "s1", Kind: types.EventClick})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.SessionTouchpoints(cancelled, "s1")
	assert.True(t, errors.Is(err, context.Canceled))
}
