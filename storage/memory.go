package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/yairfalse/kredo/types"
)

// MemoryStore is a process-local Store for tests and ephemeral runs
type MemoryStore struct {
	mu sync.RWMutex

	touchpoints *btree.BTreeG[*types.Touchpoint]
	index       *sessionIndex
	currentRev  int64
	lastTS      time.Time

	decisions   map[string]types.Decision
	history     map[string][]types.Decision
	performance map[string]*types.CampaignPerformance

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		touchpoints: btree.NewG[*types.Touchpoint](32, func(a, b *types.Touchpoint) bool {
			if a.SessionID != b.SessionID {
				return a.SessionID < b.SessionID
			}
			return a.Before(b)
		}),
		index:       newSessionIndex(),
		decisions:   make(map[string]types.Decision),
		history:     make(map[string][]types.Decision),
		performance: make(map[string]*types.CampaignPerformance),
		now:         time.Now,
	}
}

// AppendTouchpoint stores one touchpoint under the next revision
func (m *MemoryStore) AppendTouchpoint(ctx context.Context, tp types.Touchpoint) (types.Touchpoint, error) {
	if err := ValidateTouchpoint(&tp); err != nil {
		return types.Touchpoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentRev++
	ts := m.now().UTC()
	if !ts.After(m.lastTS) {
		ts = m.lastTS.Add(time.Nanosecond)
	}
	StampTouchpoint(&tp, m.currentRev, ts)
	m.lastTS = ts

	stored := tp
	m.touchpoints.ReplaceOrInsert(&stored)
	m.index.observe(&stored)
	return tp, nil
}

// SessionTouchpoints returns a session's journey in chronological order
func (m *MemoryStore) SessionTouchpoints(ctx context.Context, sessionID string) ([]types.Touchpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Touchpoint
	pivot := &types.Touchpoint{SessionID: sessionID}
	var err error
	m.touchpoints.AscendGreaterOrEqual(pivot, func(tp *types.Touchpoint) bool {
		if tp.SessionID != sessionID {
			return false
		}
		if err = ctx.Err(); err != nil {
			return false
		}
		out = append(out, *tp)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("session query failed: %w", err)
	}
	return out, nil
}

// CommitDecision writes d as the current decision, superseding any earlier one
func (m *MemoryStore) CommitDecision(ctx context.Context, d types.Decision) (CommitResult, error) {
	if err := d.Validate(); err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *types.Decision
	if current, ok := m.decisions[d.OrderID]; ok {
		prev = cloneDecision(current)
	}

	StampDecision(&d, prev, m.now())
	d = *cloneDecision(d)

	m.decisions[d.OrderID] = *cloneDecision(d)
	m.history[d.OrderID] = append(m.history[d.OrderID], *cloneDecision(d))

	for _, delta := range types.RollupDeltas(prev, &d) {
		key := string(makePerformanceKey(delta.CampaignID, delta.Date))
		p, ok := m.performance[key]
		if !ok {
			p = &types.CampaignPerformance{CampaignID: delta.CampaignID, Date: delta.Date}
			m.performance[key] = p
		}
		p.AttributedOrders += delta.Orders
		p.AttributedRevenue += delta.Revenue
	}

	return CommitResult{Stored: d, Previous: prev}, nil
}

// GetDecision returns the current decision for an order
func (m *MemoryStore) GetDecision(ctx context.Context, orderID string) (*types.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.decisions[orderID]
	if !ok {
		return nil, fmt.Errorf("decision for order %s: %w", orderID, types.ErrNotFound)
	}
	return cloneDecision(d), nil
}

// DecisionHistory returns every version committed for an order, oldest first
func (m *MemoryStore) DecisionHistory(ctx context.Context, orderID string) ([]types.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.history[orderID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("decision history for order %s: %w", orderID, types.ErrNotFound)
	}
	out := make([]types.Decision, len(versions))
	for i, d := range versions {
		out[i] = *cloneDecision(d)
	}
	return out, nil
}

// CampaignPerformance returns daily roll-ups for a campaign within [from, to]
func (m *MemoryStore) CampaignPerformance(ctx context.Context, campaignID string, from, to time.Time) ([]types.CampaignPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.CampaignPerformance
	for _, p := range m.performance {
		if p.CampaignID != campaignID {
			continue
		}
		if !from.IsZero() && p.Date < types.Day(from) {
			continue
		}
		if !to.IsZero() && p.Date > types.Day(to) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// SessionSummary returns the indexed summary of a session
func (m *MemoryStore) SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.index.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return summary, nil
}

// Stats reports storage counts
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Touchpoints:     int64(m.touchpoints.Len()),
		Sessions:        m.index.len(),
		Decisions:       int64(len(m.decisions)),
		CurrentRevision: m.currentRev,
	}, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

// cloneDecision copies d so callers never share maps or slices with the store
func cloneDecision(d types.Decision) *types.Decision {
	if d.Breakdown != nil {
		b := make(types.Breakdown, len(d.Breakdown))
		for k, v := range d.Breakdown {
			b[k] = v
		}
		d.Breakdown = b
	}
	if d.Advisory != nil {
		a := *d.Advisory
		a.Reasons = append([]string(nil), a.Reasons...)
		d.Advisory = &a
	}
	return &d
}
