// Package rcuhash implements a fixed-size chained hash table whose lookups
// never lock.
//
// Structural writes (insert, unlink) serialize on the table's mutation lock
// and only ever swing atomic pointers. An unlinked node keeps its forward
// pointer, so a reader that was walking through it when it was unlinked
// continues down the chain undisturbed. Deciding when an unlinked value may
// be destroyed is the caller's job; pair the table with [rcu.Domain].
package rcuhash

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrExists is returned by [Table.InsertIfAbsent] when the key is present.
	ErrExists = errors.New("rcuhash: key exists")

	// ErrClosed is returned by [Table.InsertIfAbsent] after [Table.Close].
	ErrClosed = errors.New("rcuhash: table closed")
)

// Bucket sizing.
const (
	// DefaultBucketBits gives 4 buckets; registries hold a handful of names.
	DefaultBucketBits = 2

	// MaxBucketBits bounds the bucket array at 64Ki chains.
	MaxBucketBits = 16
)

// Options configure a [Table].
type Options struct {
	// BucketBits sets the bucket count to 1<<BucketBits.
	// Zero means [DefaultBucketBits].
	BucketBits int
}

type node[V any] struct {
	key  string
	hash uint64
	val  V
	next atomic.Pointer[node[V]]
}

// Table maps string keys to values of type V.
//
// Lookup, Range and Len are safe to call concurrently with everything.
// InsertIfAbsent, Unlink and UnlinkIf serialize with each other.
type Table[V any] struct {
	mu      sync.Mutex
	buckets []atomic.Pointer[node[V]]
	mask    uint64
	count   atomic.Int64
	closed  bool // guarded by mu
}

// New creates an empty table.
func New[V any](opts Options) (*Table[V], error) {
	bits := opts.BucketBits
	if bits == 0 {
		bits = DefaultBucketBits
	}

	if bits < 0 || bits > MaxBucketBits {
		return nil, fmt.Errorf("rcuhash: bucket bits %d out of range [0, %d]", bits, MaxBucketBits)
	}

	n := 1 << bits

	return &Table[V]{
		buckets: make([]atomic.Pointer[node[V]], n),
		mask:    uint64(n - 1),
	}, nil
}

// Hash returns the bucket hash used for key.
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Buckets returns the fixed bucket count.
func (t *Table[V]) Buckets() int {
	return len(t.buckets)
}

// Len returns the number of linked entries.
func (t *Table[V]) Len() int {
	return int(t.count.Load())
}

// Lookup returns the value linked under key.
//
// Lookup never locks. Keys match on exact length and bytes; equal hashes
// alone never match.
func (t *Table[V]) Lookup(key string) (V, bool) {
	h := Hash(key)

	n := find(&t.buckets[h&t.mask], key, h)
	if n == nil {
		var zero V

		return zero, false
	}

	return n.val, true
}

// InsertIfAbsent links the value built by construct under key unless key is
// already present, in which case it returns [ErrExists] without calling
// construct.
//
// construct runs under the mutation lock and must not block. If it returns
// an error nothing is linked and the error is returned unchanged. The node
// is published only after construct returns, so readers never see a
// partially built value.
func (t *Table[V]) InsertIfAbsent(key string, construct func() (V, error)) (V, error) {
	var zero V

	h := Hash(key)
	head := &t.buckets[h&t.mask]

	// Fast path without the lock; the re-check below is the one that counts.
	if find(head, key, h) != nil {
		return zero, ErrExists
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return zero, ErrClosed
	}

	if find(head, key, h) != nil {
		return zero, ErrExists
	}

	v, err := construct()
	if err != nil {
		return zero, err
	}

	n := &node[V]{key: key, hash: h, val: v}
	n.next.Store(head.Load())
	head.Store(n)
	t.count.Add(1)

	return v, nil
}

// Close makes every later InsertIfAbsent fail with [ErrClosed]. An insert
// already holding the lock completes first, so once Close returns the set of
// linked keys can only shrink.
func (t *Table[V]) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Unlink detaches key and returns its value.
func (t *Table[V]) Unlink(key string) (V, bool) {
	return t.UnlinkIf(key, func(V) bool { return true })
}

// UnlinkIf detaches key only if match reports true for its current value.
//
// match runs under the mutation lock. Use it to unlink one specific value
// when a key may have been removed and re-inserted concurrently.
func (t *Table[V]) UnlinkIf(key string, match func(V) bool) (V, bool) {
	var zero V

	h := Hash(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	link := &t.buckets[h&t.mask]

	for n := link.Load(); n != nil; n = n.next.Load() {
		if n.hash == h && n.key == key {
			if !match(n.val) {
				return zero, false
			}

			// n.next stays intact for walkers currently standing on n.
			link.Store(n.next.Load())
			t.count.Add(-1)

			return n.val, true
		}

		link = &n.next
	}

	return zero, false
}

// Range calls fn for every linked entry until fn returns false.
//
// Range never locks. Entries inserted or unlinked during the walk may or may
// not be visited. fn may call Unlink.
func (t *Table[V]) Range(fn func(key string, v V) bool) {
	for i := range t.buckets {
		for n := t.buckets[i].Load(); n != nil; n = n.next.Load() {
			if !fn(n.key, n.val) {
				return
			}
		}
	}
}

// BucketLen returns the current chain length of bucket i.
func (t *Table[V]) BucketLen(i int) int {
	count := 0

	for n := t.buckets[i].Load(); n != nil; n = n.next.Load() {
		count++
	}

	return count
}

func find[V any](head *atomic.Pointer[node[V]], key string, h uint64) *node[V] {
	for n := head.Load(); n != nil; n = n.next.Load() {
		if n.hash == h && len(n.key) == len(key) && n.key == key {
			return n
		}
	}

	return nil
}
