package owlwhisper

import (
	"crypto/sha256"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const routingKeyBits = 256

// routingKey is the position of a peer or content identifier in lookup
// space: the SHA-256 digest of the raw identifier bytes. Distance between two
// keys is their bitwise XOR.
type routingKey [32]byte

func peerKey(p peer.ID) routingKey {
	return sha256.Sum256([]byte(p))
}

func contentKey(contentID string) routingKey {
	return sha256.Sum256([]byte(contentID))
}

// xorCmp reports whether a is closer to target than b.
func xorCmp(target, a, b routingKey) bool {
	for i := 0; i < len(target); i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// bucketIndex returns the index of the bucket a key belongs to relative to
// self: the number of leading bits shared with the local key. Keys differing
// in the first bit land in bucket 0; identical keys would land in the last.
func (t *routingIndex) bucketIndex(k routingKey) int {
	for i := 0; i < len(k); i++ {
		if d := t.self[i] ^ k[i]; d != 0 {
			return i*8 + bits.LeadingZeros8(d)
		}
	}
	return routingKeyBits - 1
}

type routingEntry struct {
	id       peer.ID
	key      routingKey
	lastSeen time.Time
}

// routingIndex is the engine's local index of known peers, organized in
// XOR-distance buckets. It only indexes peers, it never owns their lifecycle.
// Buckets hold at most bucketCap entries with least-recently-seen eviction;
// peers reported protected are never evicted, and a protected insert is
// admitted even when no evictable entry exists, so protection can make a
// bucket exceed its nominal capacity.
type routingIndex struct {
	mu          sync.RWMutex
	self        routingKey
	bucketCap   int
	buckets     [routingKeyBits][]routingEntry
	isProtected func(peer.ID) bool
	// onEvictionFault is invoked when an invariant violation is detected,
	// e.g. a protected peer missing where it must be present.
	onEvictionFault func(op, msg string)
}

func newRoutingIndex(self peer.ID, bucketCap int, isProtected func(peer.ID) bool) *routingIndex {
	if isProtected == nil {
		isProtected = func(peer.ID) bool { return false }
	}
	return &routingIndex{
		self:        peerKey(self),
		bucketCap:   bucketCap,
		isProtected: isProtected,
	}
}

// Update inserts p or refreshes its last-seen time. Returns true when the
// peer is indexed afterwards.
func (t *routingIndex) Update(p peer.ID) bool {
	k := peerKey(p)
	if k == t.self {
		return false
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(k)
	bucket := t.buckets[idx]

	for i := range bucket {
		if bucket[i].id == p {
			bucket[i].lastSeen = now
			return true
		}
	}

	entry := routingEntry{id: p, key: k, lastSeen: now}
	if len(bucket) < t.bucketCap {
		t.buckets[idx] = append(bucket, entry)
		return true
	}

	// Bucket full: evict the least-recently-seen unprotected entry.
	victim := -1
	for i := range bucket {
		if t.isProtected(bucket[i].id) {
			continue
		}
		if victim < 0 || bucket[i].lastSeen.Before(bucket[victim].lastSeen) {
			victim = i
		}
	}
	if victim >= 0 {
		bucket[victim] = entry
		return true
	}

	// Every entry is protected. Admit only protected newcomers.
	if t.isProtected(p) {
		t.buckets[idx] = append(bucket, entry)
		return true
	}
	return false
}

// Remove drops p from the index. Removing a protected peer is refused: the
// protected set controls its own membership, and capacity pressure must not
// reach here for protected entries.
func (t *routingIndex) Remove(p peer.ID) {
	if t.isProtected(p) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(peerKey(p))
	bucket := t.buckets[idx]
	for i := range bucket {
		if bucket[i].id == p {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Contains reports whether p is indexed.
func (t *routingIndex) Contains(p peer.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bucket := t.buckets[t.bucketIndex(peerKey(p))]
	for i := range bucket {
		if bucket[i].id == p {
			return true
		}
	}
	return false
}

// Closest returns up to n indexed peers ordered by XOR distance to target.
func (t *routingIndex) Closest(target routingKey, n int) []peer.ID {
	t.mu.RLock()
	entries := make([]routingEntry, 0, n*2)
	for i := range t.buckets {
		entries = append(entries, t.buckets[i]...)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return xorCmp(target, entries[i].key, entries[j].key)
	})
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]peer.ID, 0, n)
	for _, e := range entries[:n] {
		out = append(out, e.id)
	}
	return out
}

// Size returns the number of indexed peers.
func (t *routingIndex) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for i := range t.buckets {
		total += len(t.buckets[i])
	}
	return total
}

// verifyProtected checks the invariant that every protected peer passed in is
// still indexed, reporting violations through onEvictionFault. Used by the
// reconciliation loop as a defect detector.
func (t *routingIndex) verifyProtected(protected []peer.ID) {
	for _, p := range protected {
		if !t.Contains(p) {
			// Re-admit and report: eviction of a protected peer is a
			// programming defect, not a recoverable condition.
			t.Update(p)
			if t.onEvictionFault != nil {
				t.onEvictionFault("routing_index", "protected peer "+p.String()+" was missing from the routing index")
			}
		}
	}
}
