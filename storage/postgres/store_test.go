package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/types"
)

var _ storage.Store = (*Store)(nil)

// openTestStore needs a disposable database in KREDO_POSTGRES_DSN
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("KREDO_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KREDO_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.db.Ready(ctx))
	return s
}

func TestStore_Journey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	session := "pg-" + uuid.NewString()

	first, err := s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: session, Kind: types.EventClick, CampaignID: "c1", AgencyID: "a1"})
	require.NoError(t, err)
	second, err := s.AppendTouchpoint(ctx, types.Touchpoint{SessionID: session, Kind: types.EventView})
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)

	journey, err := s.SessionTouchpoints(ctx, session)
	require.NoError(t, err)
	require.Len(t, journey, 2)
	assert.Equal(t, first.ID, journey[0].ID)
	assert.Equal(t, "a1", journey[0].AgencyID)

	summary, err := s.SessionSummary(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Touchpoints)
	assert.Equal(t, "c1", summary.LastCampaignID)

	_, err = s.SessionSummary(ctx, "pg-missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStore_CommitSupersedes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orderID := "pg-order-" + uuid.NewString()
	campaign := "pg-campaign-" + uuid.NewString()

	d := types.Decision{
		OrderID:         orderID,
		CampaignID:      campaign,
		PrimaryAgency:   "a1",
		Confidence:      85,
		Breakdown:       types.Breakdown{"a1": 1},
		Model:           types.ModelLastClick,
		ConversionValue: 40,
		OccurredAt:      time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	res, err := s.CommitDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stored.Version)

	res, err = s.CommitDecision(ctx, d)
	require.NoError(t, err)
	assert.True(t, res.Superseded())
	assert.Equal(t, int64(2), res.Stored.Version)

	history, err := s.DecisionHistory(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	perf, err := s.CampaignPerformance(ctx, campaign, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, "2025-05-01", perf[0].Date)
	assert.Equal(t, int64(1), perf[0].AttributedOrders)
}
