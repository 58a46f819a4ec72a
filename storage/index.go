package storage

import (
	"github.com/google/btree"

	"github.com/yairfalse/kredo/types"
)

// sessionIndex is the in-memory view of every session, rebuilt from disk on open.
// Callers hold the owning store's lock.
type sessionIndex struct {
	tree *btree.BTreeG[*SessionSummary]
}

func newSessionIndex() *sessionIndex {
	return &sessionIndex{
		tree: btree.NewG[*SessionSummary](32, func(a, b *SessionSummary) bool {
			return a.SessionID < b.SessionID
		}),
	}
}

// observe folds one touchpoint into its session summary
func (i *sessionIndex) observe(tp *types.Touchpoint) {
	summary, found := i.tree.Get(&SessionSummary{SessionID: tp.SessionID})
	if !found {
		summary = &SessionSummary{
			SessionID: tp.SessionID,
			FirstSeen: tp.Timestamp,
		}
	}

	summary.Touchpoints++
	if tp.Timestamp.Before(summary.FirstSeen) {
		summary.FirstSeen = tp.Timestamp
	}
	if tp.Timestamp.After(summary.LastSeen) {
		summary.LastSeen = tp.Timestamp
	}
	if tp.CampaignID != "" && !tp.Timestamp.Before(summary.LastCampaignAt) {
		summary.LastCampaignID = tp.CampaignID
		summary.LastCampaignAt = tp.Timestamp
	}

	i.tree.ReplaceOrInsert(summary)
}

func (i *sessionIndex) get(sessionID string) (*SessionSummary, bool) {
	summary, found := i.tree.Get(&SessionSummary{SessionID: sessionID})
	if !found {
		return nil, false
	}
	out := *summary
	return &out, true
}

func (i *sessionIndex) len() int {
	return i.tree.Len()
}

func (i *sessionIndex) reset() {
	i.tree.Clear(false)
}
