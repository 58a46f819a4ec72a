package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

// Bucket names in bbolt
var (
	bucketTouchpoints     = []byte("touchpoints")
	bucketDecisions       = []byte("decisions")
	bucketDecisionHistory = []byte("decision_history")
	bucketPerformance     = []byte("performance")
	bucketMeta            = []byte("meta")

	keyCurrentRevision = []byte("current_revision")
)

// DBFile is the bbolt file name inside the data directory
const DBFile = "kredo.db"

// BoltStore keeps the touchpoint journal and decision records in bbolt.
// Every touchpoint append takes the next revision, which doubles as the
// insertion sequence used to break timestamp ties.
type BoltStore struct {
	mu sync.RWMutex

	// In-memory session index, rebuilt on open
	index *sessionIndex

	db *bbolt.DB

	currentRev  int64
	touchpoints int64
	lastTS      time.Time

	dir    string
	now    func() time.Time
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewBoltStore opens (or creates) the store under dir
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	dbPath := filepath.Join(dir, DBFile)

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketTouchpoints, bucketDecisions, bucketDecisionHistory, bucketPerformance, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BoltStore{
		index:  newSessionIndex(),
		db:     db,
		dir:    dir,
		now:    time.Now,
		logger: telemetry.NewLogger("storage"),
		tracer: otel.Tracer("storage"),
	}

	if err := s.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// AppendTouchpoint stores one touchpoint under the next revision
func (s *BoltStore) AppendTouchpoint(ctx context.Context, tp types.Touchpoint) (types.Touchpoint, error) {
	ctx, span := s.tracer.Start(ctx, "storage.touchpoints.append",
		trace.WithAttributes(attribute.String("session.id", tp.SessionID)))
	defer span.End()

	if err := ValidateTouchpoint(&tp); err != nil {
		return types.Touchpoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	StampTouchpoint(&tp, rev, s.nextTimestamp())

	value, err := json.Marshal(tp)
	if err != nil {
		return types.Touchpoint{}, fmt.Errorf("failed to marshal touchpoint: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		key := makeTouchpointKey(tp.SessionID, tp.Timestamp, rev)
		if err := tx.Bucket(bucketTouchpoints).Put(key, value); err != nil {
			return fmt.Errorf("failed to put touchpoint: %w", err)
		}
		return tx.Bucket(bucketMeta).Put(keyCurrentRevision, int64ToBytes(rev))
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "append_touchpoint", err)
		return types.Touchpoint{}, err
	}

	// Only advance on a successful transaction
	s.currentRev = rev
	s.lastTS = tp.Timestamp
	s.touchpoints++
	s.index.observe(&tp)

	span.SetAttributes(attribute.Int64("revision", rev))
	return tp, nil
}

// SessionTouchpoints returns a session's journey in chronological order
func (s *BoltStore) SessionTouchpoints(ctx context.Context, sessionID string) ([]types.Touchpoint, error) {
	ctx, span := s.tracer.Start(ctx, "storage.touchpoints.session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Touchpoint
	prefix := sessionPrefix(sessionID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTouchpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if !ownsKey(k, prefix, touchpointSuffixLen) {
				continue
			}

			var tp types.Touchpoint
			if err := json.Unmarshal(v, &tp); err != nil {
				return fmt.Errorf("failed to decode touchpoint %x: %w", k, err)
			}
			out = append(out, tp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session query failed: %w", err)
	}

	span.SetAttributes(attribute.Int("touchpoints", len(out)))
	return out, nil
}

// CommitDecision writes d as the current decision for its order. An
// existing decision is superseded, kept in history, and its roll-up
// contribution replaced, all in one transaction.
func (s *BoltStore) CommitDecision(ctx context.Context, d types.Decision) (CommitResult, error) {
	ctx, span := s.tracer.Start(ctx, "storage.decisions.commit",
		trace.WithAttributes(attribute.String("order.id", d.OrderID)))
	defer span.End()

	if err := d.Validate(); err != nil {
		return CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result CommitResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		decisions := tx.Bucket(bucketDecisions)

		var prev *types.Decision
		if raw := decisions.Get([]byte(d.OrderID)); raw != nil {
			prev = &types.Decision{}
			if err := json.Unmarshal(raw, prev); err != nil {
				return fmt.Errorf("failed to decode current decision: %w", err)
			}
		}

		StampDecision(&d, prev, s.now())

		value, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}
		if err := decisions.Put([]byte(d.OrderID), value); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDecisionHistory).Put(makeHistoryKey(d.OrderID, d.Version), value); err != nil {
			return err
		}
		if err := applyRollup(tx.Bucket(bucketPerformance), types.RollupDeltas(prev, &d)); err != nil {
			return err
		}

		result = CommitResult{Stored: d, Previous: prev}
		return nil
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "commit_decision", err)
		return CommitResult{}, fmt.Errorf("failed to commit decision for order %s: %w", d.OrderID, err)
	}

	span.SetAttributes(
		attribute.Int64("version", result.Stored.Version),
		attribute.Bool("superseded", result.Superseded()),
	)
	return result, nil
}

// GetDecision returns the current decision for an order
func (s *BoltStore) GetDecision(ctx context.Context, orderID string) (*types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d *types.Decision
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDecisions).Get([]byte(orderID))
		if raw == nil {
			return nil
		}
		d = &types.Decision{}
		return json.Unmarshal(raw, d)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("decision for order %s: %w", orderID, types.ErrNotFound)
	}
	return d, nil
}

// DecisionHistory returns every version committed for an order, oldest first
func (s *BoltStore) DecisionHistory(ctx context.Context, orderID string) ([]types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Decision
	prefix := append([]byte(orderID), keySep)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDecisionHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if !ownsKey(k, prefix, historySuffixLen) {
				continue
			}

			var d types.Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decision history for order %s: %w", orderID, types.ErrNotFound)
	}
	return out, nil
}

// CampaignPerformance returns daily roll-ups for a campaign within [from, to].
// Zero bounds are open.
func (s *BoltStore) CampaignPerformance(ctx context.Context, campaignID string, from, to time.Time) ([]types.CampaignPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := append([]byte(campaignID), keySep)
	start := prefix
	if !from.IsZero() {
		start = makePerformanceKey(campaignID, types.Day(from))
	}
	var end []byte
	if !to.IsZero() {
		end = makePerformanceKey(campaignID, types.Day(to))
	}

	var out []types.CampaignPerformance
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPerformance).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !ownsKey(k, prefix, performanceSuffixLen) {
				continue
			}
			if end != nil && bytes.Compare(k, end) > 0 {
				break
			}
			var p types.CampaignPerformance
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("performance query failed: %w", err)
	}
	return out, nil
}

// SessionSummary returns the indexed summary of a session
func (s *BoltStore) SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.index.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return summary, nil
}

// CurrentRevision returns the current revision number
func (s *BoltStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats reports storage counts and file size
func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Touchpoints:     s.touchpoints,
		Sessions:        s.index.len(),
		CurrentRevision: s.currentRev,
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Decisions = int64(tx.Bucket(bucketDecisions).Stats().KeyN)
		stats.SizeBytes = tx.Size()
		return nil
	})
	return stats, err
}

// Helper functions

// nextTimestamp returns the ingestion clock, forced strictly increasing
func (s *BoltStore) nextTimestamp() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	return ts
}

func (s *BoltStore) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyCurrentRevision)
		if data != nil {
			s.currentRev = bytesToInt64(data)
		}
		return nil
	})
}

func (s *BoltStore) rebuildIndex() error {
	start := time.Now()
	s.index.reset()
	s.touchpoints = 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTouchpoints).ForEach(func(k, v []byte) error {
			var tp types.Touchpoint
			if err := json.Unmarshal(v, &tp); err != nil {
				return fmt.Errorf("failed to decode touchpoint %x: %w", k, err)
			}
			s.index.observe(&tp)
			s.touchpoints++
			if tp.Timestamp.After(s.lastTS) {
				s.lastTS = tp.Timestamp
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild session index: %w", err)
	}

	s.logger.LogRebuildComplete(context.Background(), s.index.len(),
		float64(time.Since(start).Microseconds())/1000)
	return nil
}

// ValidateTouchpoint rejects touchpoints missing a session or a known kind
func ValidateTouchpoint(tp *types.Touchpoint) error {
	if strings.TrimSpace(tp.SessionID) == "" {
		return fmt.Errorf("%w: session_id cannot be empty", types.ErrInvalidTouchpoint)
	}
	if types.HasNUL(tp.SessionID) {
		return fmt.Errorf("%w: session_id contains a NUL byte", types.ErrInvalidTouchpoint)
	}
	if _, ok := types.ParseEventKind(string(tp.Kind)); !ok {
		return fmt.Errorf("%w: unknown event_type %q", types.ErrInvalidTouchpoint, tp.Kind)
	}
	return nil
}

// StampTouchpoint assigns the store-owned touchpoint fields
func StampTouchpoint(tp *types.Touchpoint, rev int64, ts time.Time) {
	if tp.ID == "" {
		tp.ID = uuid.NewString()
	}
	tp.Kind, _ = types.ParseEventKind(string(tp.Kind))
	tp.Sequence = rev
	tp.Timestamp = ts
}

// StampDecision assigns the writer-owned decision fields
func StampDecision(d *types.Decision, prev *types.Decision, now time.Time) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Version = 1
	d.Supersedes = 0
	if prev != nil {
		d.Version = prev.Version + 1
		d.Supersedes = prev.Version
	}
	d.CommittedAt = now.UTC()
	if d.Breakdown == nil {
		d.Breakdown = types.Breakdown{}
	}
}

func applyRollup(bucket *bbolt.Bucket, deltas []types.PerformanceDelta) error {
	for _, delta := range deltas {
		key := makePerformanceKey(delta.CampaignID, delta.Date)
		p := types.CampaignPerformance{CampaignID: delta.CampaignID, Date: delta.Date}
		if raw := bucket.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("failed to decode roll-up %s/%s: %w", delta.CampaignID, delta.Date, err)
			}
		}
		p.AttributedOrders += delta.Orders
		p.AttributedRevenue += delta.Revenue

		value, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, value); err != nil {
			return err
		}
	}
	return nil
}
