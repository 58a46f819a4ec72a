package storage

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/yairfalse/kredo/types"
)

const keySep = 0x00

// Fixed suffix lengths after the separator
const (
	touchpointSuffixLen  = 16
	historySuffixLen     = 8
	performanceSuffixLen = len(types.DayLayout)
)

// makeTouchpointKey orders a session's touchpoints by timestamp then
// revision: session | 0x00 | BE(ts ns) | BE(rev)
func makeTouchpointKey(sessionID string, ts time.Time, rev int64) []byte {
	key := make([]byte, 0, len(sessionID)+17)
	key = append(key, sessionID...)
	key = append(key, keySep)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano())) //nolint:gosec // ingestion timestamps are after 1970
	key = binary.BigEndian.AppendUint64(key, uint64(rev))           //nolint:gosec // revision is always positive
	return key
}

// sessionPrefix is the seek key for all of a session's touchpoints
func sessionPrefix(sessionID string) []byte {
	key := make([]byte, 0, len(sessionID)+1)
	key = append(key, sessionID...)
	return append(key, keySep)
}

// makeHistoryKey orders an order's decision versions: order | 0x00 | BE(version)
func makeHistoryKey(orderID string, version int64) []byte {
	key := make([]byte, 0, len(orderID)+9)
	key = append(key, orderID...)
	key = append(key, keySep)
	return binary.BigEndian.AppendUint64(key, uint64(version)) //nolint:gosec // versions start at 1
}

// makePerformanceKey is campaign | 0x00 | YYYY-MM-DD
func makePerformanceKey(campaignID, day string) []byte {
	key := make([]byte, 0, len(campaignID)+1+len(types.DayLayout))
	key = append(key, campaignID...)
	key = append(key, keySep)
	return append(key, day...)
}

// ownsKey reports whether k belongs to the prefix's own id. Ids sharing
// the prefix bytes but continuing past the separator produce longer keys.
func ownsKey(k, prefix []byte, suffixLen int) bool {
	return len(k) == len(prefix)+suffixLen && bytes.HasPrefix(k, prefix)
}

func int64ToBytes(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n)) //nolint:gosec // revision is always positive
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b)) //nolint:gosec // written by int64ToBytes
}
