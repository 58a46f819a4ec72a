package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/types"
)

// Store implements storage.Store on Postgres
type Store struct {
	db  *DB
	now func() time.Time
}

func NewStore(db *DB) *Store { return &Store{db: db, now: time.Now} }

// Open connects and migrates
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// AppendTouchpoint inserts one touchpoint; the serial column is its sequence
func (s *Store) AppendTouchpoint(ctx context.Context, tp types.Touchpoint) (types.Touchpoint, error) {
	if err := storage.ValidateTouchpoint(&tp); err != nil {
		return types.Touchpoint{}, err
	}
	storage.StampTouchpoint(&tp, 0, s.now().UTC())

	payload, err := json.Marshal(tp)
	if err != nil {
		return types.Touchpoint{}, fmt.Errorf("marshal touchpoint: %w", err)
	}

	const sql = `
INSERT INTO touchpoints (id, session_id, event_type, campaign_id, agency_id, ts, payload)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7::jsonb)
RETURNING seq`

	err = s.db.Pool.QueryRow(ctx, sql,
		tp.ID, tp.SessionID, string(tp.Kind), tp.CampaignID, tp.AgencyID, tp.Timestamp, string(payload),
	).Scan(&tp.Sequence)
	if err != nil {
		return types.Touchpoint{}, fmt.Errorf("insert touchpoint: %w", err)
	}
	return tp, nil
}

// SessionTouchpoints returns a session's journey ordered by ts then seq
func (s *Store) SessionTouchpoints(ctx context.Context, sessionID string) ([]types.Touchpoint, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT seq, payload FROM touchpoints WHERE session_id = $1 ORDER BY ts ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	var out []types.Touchpoint
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan touchpoint: %w", err)
		}
		var tp types.Touchpoint
		if err := json.Unmarshal(payload, &tp); err != nil {
			return nil, fmt.Errorf("decode touchpoint: %w", err)
		}
		tp.Sequence = seq
		out = append(out, tp)
	}
	return out, rows.Err()
}

// CommitDecision upserts the current decision and appends history. A
// transaction-scoped advisory lock on the order serializes concurrent commits.
func (s *Store) CommitDecision(ctx context.Context, d types.Decision) (storage.CommitResult, error) {
	if err := d.Validate(); err != nil {
		return storage.CommitResult{}, err
	}

	var result storage.CommitResult
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, d.OrderID); err != nil {
			return fmt.Errorf("lock order: %w", err)
		}

		var prev *types.Decision
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT payload FROM decisions WHERE order_id = $1`, d.OrderID).Scan(&raw)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read current decision: %w", err)
		default:
			prev = &types.Decision{}
			if err := json.Unmarshal(raw, prev); err != nil {
				return fmt.Errorf("decode current decision: %w", err)
			}
		}

		storage.StampDecision(&d, prev, s.now())
		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO decisions (order_id, version, payload, committed_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (order_id) DO UPDATE
SET version = EXCLUDED.version, payload = EXCLUDED.payload, committed_at = EXCLUDED.committed_at`,
			d.OrderID, d.Version, string(payload), d.CommittedAt)
		if err != nil {
			return fmt.Errorf("upsert decision: %w", err)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO decision_history (order_id, version, payload, committed_at)
VALUES ($1, $2, $3::jsonb, $4)`,
			d.OrderID, d.Version, string(payload), d.CommittedAt)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}

		for _, delta := range types.RollupDeltas(prev, &d) {
			_, err = tx.Exec(ctx, `
INSERT INTO campaign_performance (campaign_id, day, attributed_orders, attributed_revenue)
VALUES ($1, $2::date, $3, $4)
ON CONFLICT (campaign_id, day) DO UPDATE
SET attributed_orders = campaign_performance.attributed_orders + EXCLUDED.attributed_orders,
    attributed_revenue = campaign_performance.attributed_revenue + EXCLUDED.attributed_revenue`,
				delta.CampaignID, delta.Date, delta.Orders, delta.Revenue)
			if err != nil {
				return fmt.Errorf("update roll-up: %w", err)
			}
		}

		result = storage.CommitResult{Stored: d, Previous: prev}
		return nil
	})
	if err != nil {
		return storage.CommitResult{}, fmt.Errorf("commit decision for order %s: %w", d.OrderID, err)
	}
	return result, nil
}

// GetDecision returns the current decision for an order
func (s *Store) GetDecision(ctx context.Context, orderID string) (*types.Decision, error) {
	var raw []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT payload FROM decisions WHERE order_id = $1`, orderID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("decision for order %s: %w", orderID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read decision: %w", err)
	}
	var d types.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &d, nil
}

// DecisionHistory returns every committed version, oldest first
func (s *Store) DecisionHistory(ctx context.Context, orderID string) ([]types.Decision, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT payload FROM decision_history WHERE order_id = $1 ORDER BY version ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var d types.Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decision history for order %s: %w", orderID, types.ErrNotFound)
	}
	return out, nil
}

// CampaignPerformance returns daily roll-ups within [from, to]; zero bounds are open
func (s *Store) CampaignPerformance(ctx context.Context, campaignID string, from, to time.Time) ([]types.CampaignPerformance, error) {
	cond := "WHERE campaign_id = $1"
	args := []any{campaignID}
	idx := 2

	if !from.IsZero() {
		cond += fmt.Sprintf(" AND day >= $%d::date", idx)
		args = append(args, types.Day(from))
		idx++
	}
	if !to.IsZero() {
		cond += fmt.Sprintf(" AND day <= $%d::date", idx)
		args = append(args, types.Day(to))
	}

	sql := `SELECT campaign_id, to_char(day, 'YYYY-MM-DD'), attributed_orders, attributed_revenue
FROM campaign_performance ` + cond + ` ORDER BY day ASC`

	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query performance: %w", err)
	}
	defer rows.Close()

	var out []types.CampaignPerformance
	for rows.Next() {
		var p types.CampaignPerformance
		if err := rows.Scan(&p.CampaignID, &p.Date, &p.AttributedOrders, &p.AttributedRevenue); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SessionSummary aggregates one session
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*storage.SessionSummary, error) {
	const sql = `
SELECT COUNT(*)::bigint, MIN(ts), MAX(ts),
  (SELECT campaign_id FROM touchpoints
    WHERE session_id = $1 AND campaign_id IS NOT NULL
    ORDER BY ts DESC, seq DESC LIMIT 1),
  (SELECT ts FROM touchpoints
    WHERE session_id = $1 AND campaign_id IS NOT NULL
    ORDER BY ts DESC, seq DESC LIMIT 1)
FROM touchpoints WHERE session_id = $1`

	var (
		count       int64
		first, last *time.Time
		campaign    *string
		campaignAt  *time.Time
	)
	if err := s.db.Pool.QueryRow(ctx, sql, sessionID).Scan(&count, &first, &last, &campaign, &campaignAt); err != nil {
		return nil, fmt.Errorf("session summary: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}

	summary := &storage.SessionSummary{
		SessionID:   sessionID,
		Touchpoints: int(count),
		FirstSeen:   *first,
		LastSeen:    *last,
	}
	if campaign != nil {
		summary.LastCampaignID = *campaign
	}
	if campaignAt != nil {
		summary.LastCampaignAt = *campaignAt
	}
	return summary, nil
}

// Stats reports table counts and the database size
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	var sessions int64
	err := s.db.Pool.QueryRow(ctx, `
SELECT
  (SELECT COUNT(*) FROM touchpoints)::bigint,
  (SELECT COUNT(DISTINCT session_id) FROM touchpoints)::bigint,
  (SELECT COUNT(*) FROM decisions)::bigint,
  (SELECT COALESCE(MAX(seq), 0) FROM touchpoints)::bigint,
  pg_database_size(current_database())::bigint`,
	).Scan(&stats.Touchpoints, &sessions, &stats.Decisions, &stats.CurrentRevision, &stats.SizeBytes)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats.Sessions = int(sessions)
	return stats, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}
