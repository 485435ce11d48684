// Package ring implements the consistent-hash ring that maps routing keys
// (user IDs) to owning shards. Ownership moves minimally on membership
// change: one add or remove relocates roughly 1/n of the key space.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// DefaultReplicas is the virtual-node factor applied when the caller passes
// a non-positive value.
const DefaultReplicas = 128

// Hasher positions a point key or routing key on the ring.
type Hasher func([]byte) uint64

// Ring is safe for concurrent use. Lookups are lock-free: they load an
// immutable snapshot, so a reader never observes a partially updated ring.
// Writers rebuild the snapshot under a mutex and swap it atomically.
type Ring struct {
	mu       sync.Mutex // serializes membership changes
	replicas int
	hash     Hasher
	members  map[string]struct{}
	snap     atomic.Pointer[snapshot]
}

// snapshot is one immutable generation of the materialized ring.
type snapshot struct {
	points []uint64          // sorted virtual-node positions
	owners map[uint64]string // position -> shardID
	nodes  []string          // sorted member view
}

// New creates an empty ring. A nil hasher selects DefaultHasher.
func New(replicas int, h Hasher) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if h == nil {
		h = DefaultHasher
	}
	r := &Ring{
		replicas: replicas,
		hash:     h,
		members:  make(map[string]struct{}),
	}
	r.snap.Store(&snapshot{owners: make(map[uint64]string)})
	return r
}

// AddNode inserts a shard into the ring. Adding a present member is a no-op.
func (r *Ring) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = struct{}{}
	r.rebuild()
}

// RemoveNode deletes a shard from the ring. Removing an absent member is a
// no-op.
func (r *Ring) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	r.rebuild()
}

// rebuild materializes a fresh snapshot from the member set and swaps it in.
// Members are walked in sorted order so collision perturbation is
// deterministic across processes holding the same membership.
func (r *Ring) rebuild() {
	nodes := make([]string, 0, len(r.members))
	for id := range r.members {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	next := &snapshot{
		points: make([]uint64, 0, len(nodes)*r.replicas),
		owners: make(map[uint64]string, len(nodes)*r.replicas),
		nodes:  nodes,
	}
	for _, id := range nodes {
		for i := 0; i < r.replicas; i++ {
			key := pointKey(id, i)
			pt := r.hash(key)
			// Perturb deterministically until the position is free so no
			// two virtual nodes ever share one.
			for salt := 1; ; salt++ {
				if _, taken := next.owners[pt]; !taken {
					break
				}
				pt = r.hash(saltedKey(key, salt))
			}
			next.owners[pt] = id
			next.points = append(next.points, pt)
		}
	}
	slices.Sort(next.points)
	r.snap.Store(next)
}

// Owner returns the shard owning key. ok is false only on an empty ring.
func (r *Ring) Owner(key string) (string, bool) {
	s := r.snap.Load()
	if len(s.points) == 0 {
		return "", false
	}
	h := r.hash([]byte(key))
	// First position at or after the key's hash, wrapping past the top.
	idx := sort.Search(len(s.points), func(i int) bool { return s.points[i] >= h })
	if idx == len(s.points) {
		idx = 0
	}
	return s.owners[s.points[idx]], true
}

// Contains reports whether id is a current member.
func (r *Ring) Contains(id string) bool {
	s := r.snap.Load()
	_, ok := slices.BinarySearch(s.nodes, id)
	return ok
}

// Nodes returns a copy of the sorted member list.
func (r *Ring) Nodes() []string {
	s := r.snap.Load()
	return slices.Clone(s.nodes)
}

// Size returns the current member count.
func (r *Ring) Size() int {
	return len(r.snap.Load().nodes)
}

// DefaultHasher is FNV-1a 64 finished with a splitmix64 mix. Raw FNV of
// vnode labels that differ only in a trailing index clusters one shard's
// positions into a narrow band; the finalizer restores avalanche, which the
// balance and disruption bounds depend on.
func DefaultHasher(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return mix64(h.Sum64())
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}

func saltedKey(key []byte, salt int) []byte {
	out := make([]byte, 0, len(key)+4)
	out = append(out, key...)
	return append(out, []byte("@"+strconv.Itoa(salt))...)
}
