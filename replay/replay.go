// Package replay tracks, per client-side timeline, which Megolm
// messages have already been decrypted, so that a given
// (sender key, session id, message index) triple is only ever accepted
// once within a single timeline. It is purely in-memory and is reset
// whenever a timeline is rebuilt.
package replay

import (
	"fmt"
	"sync"
)

// Index is a timeline_id -> set<key> replay index. The outer map is
// guarded by its own lock; each timeline's bucket is guarded
// independently so that concurrent decryption across timelines does not
// serialise on a single lock, mirroring the partitioned-lock structure
// the teacher's priority queue uses to avoid a single global mutex
// across unrelated partitions.
type Index struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates an empty replay index.
func New() *Index {
	return &Index{buckets: make(map[string]*bucket)}
}

// Key builds the replay key for a decrypted Megolm message.
func Key(senderCurve25519, sessionID string, messageIndex uint32) string {
	return fmt.Sprintf("%s|%s|%d", senderCurve25519, sessionID, messageIndex)
}

// CheckAndRecord reports whether the given key has already been seen in
// timelineID. If it has not, it is recorded and false is returned,
// meaning the caller may proceed with the decryption. If it has, true is
// returned and the caller must treat this as a replay.
func (idx *Index) CheckAndRecord(timelineID, key string) (alreadySeen bool) {
	b := idx.bucketFor(timelineID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.seen[key]; ok {
		return true
	}

	b.seen[key] = struct{}{}
	return false
}

// Reset drops all replay tracking for a timeline, permitting legitimate
// re-decryption after the timeline has been discarded and rebuilt (e.g.
// jump-to-message).
func (idx *Index) Reset(timelineID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.buckets, timelineID)
}

func (idx *Index) bucketFor(timelineID string) *bucket {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	b, ok := idx.buckets[timelineID]
	if !ok {
		b = &bucket{seen: make(map[string]struct{})}
		idx.buckets[timelineID] = b
	}

	return b
}
