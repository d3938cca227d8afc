// Package conntrack is an in-memory connection tracking table laid out the
// way lock-free readers of a kernel-style hash expect it: an array of bucket
// chains, each terminated by a sentinel node that carries its bucket index.
//
// Writers (Insert, Delete, Resize) serialize on the table lock. Readers take
// a [Buckets] snapshot and walk chains with [Node.Next] without locking. A
// node removed from its chain keeps its forward pointer, and Resize moves
// live nodes into the new bucket array, so a walker can find itself on a
// chain whose sentinel names a different bucket than the one it started in.
// Readers detect that by comparing [Node.Bucket] with the bucket they
// believe they are in.
package conntrack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// HelperNameLen is the fixed helper name buffer size; names are compared
// on at most this many bytes and must be strictly shorter.
const HelperNameLen = 16

// DefaultBuckets is the bucket count used when New is given zero.
const DefaultBuckets = 1024

// Sentinel errors returned by table operations.
var (
	// ErrExists indicates a connection with the same tuple is tracked.
	ErrExists = errors.New("conntrack: connection exists")

	// ErrNotFound indicates no connection with the tuple is tracked.
	ErrNotFound = errors.New("conntrack: connection not found")

	// ErrInvalidInput indicates a malformed tuple, helper name or size.
	ErrInvalidInput = errors.New("conntrack: invalid input")
)

// Proto is an IP protocol number.
type Proto uint8

// Protocols understood by the renderer.
const (
	ProtoICMP Proto = 1
	ProtoTCP  Proto = 6
	ProtoUDP  Proto = 17
)

// String returns the lowercase protocol name, or the number.
func (p Proto) String() string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("%d", uint8(p))
	}
}

// ParseProto parses "tcp", "udp" or "icmp".
func ParseProto(s string) (Proto, error) {
	switch s {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	default:
		return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidInput, s)
	}
}

// Tuple identifies a connection in its original direction.
type Tuple struct {
	Proto Proto
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

func (t Tuple) valid() bool {
	return t.Src.IsValid() && t.Dst.IsValid() && t.Src.Addr().Is4() == t.Dst.Addr().Is4()
}

// String renders the tuple as "proto src -> dst".
func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s", t.Proto, t.Src, t.Dst)
}

func (t Tuple) hash() uint64 {
	var buf [1 + 2*(16+2)]byte

	buf[0] = byte(t.Proto)
	off := 1

	for _, ap := range [2]netip.AddrPort{t.Src, t.Dst} {
		a := ap.Addr().As16()
		off += copy(buf[off:], a[:])
		binary.BigEndian.PutUint16(buf[off:], ap.Port())
		off += 2
	}

	return xxhash.Sum64(buf[:off])
}

// Helper is a named connection helper; its name is the tag cursors filter on.
type Helper struct {
	name string
}

// NewHelper validates name and returns a helper.
func NewHelper(name string) (*Helper, error) {
	if name == "" || len(name) >= HelperNameLen {
		return nil, fmt.Errorf("%w: helper name %q must be 1-%d bytes", ErrInvalidInput, name, HelperNameLen-1)
	}

	return &Helper{name: name}, nil
}

// Name returns the helper name.
func (h *Helper) Name() string {
	return h.name
}

// Entry is one tracked connection.
type Entry struct {
	node    Node
	tuple   Tuple
	id      uint64
	created time.Time
	helper  atomic.Pointer[Helper]
}

// Tuple returns the connection's original-direction tuple.
func (e *Entry) Tuple() Tuple { return e.tuple }

// ID returns the table-unique connection id.
func (e *Entry) ID() uint64 { return e.id }

// Created returns when the connection was inserted.
func (e *Entry) Created() time.Time { return e.created }

// Helper returns the attached helper, or nil.
func (e *Entry) Helper() *Helper { return e.helper.Load() }

// SetHelper attaches h (nil detaches). Readers observe the change atomically.
func (e *Entry) SetHelper(h *Helper) { e.helper.Store(h) }

// Node is a chain element: either a connection or a bucket-end sentinel.
type Node struct {
	entry  *Entry
	bucket int
	next   atomic.Pointer[Node]
}

// Sentinel reports whether n terminates a bucket chain.
func (n *Node) Sentinel() bool { return n.entry == nil }

// Bucket returns the bucket index a sentinel terminates.
func (n *Node) Bucket() int { return n.bucket }

// Entry returns the connection held by a non-sentinel node.
func (n *Node) Entry() *Entry { return n.entry }

// Next returns the following node. It is nil only after a sentinel.
func (n *Node) Next() *Node { return n.next.Load() }

// Buckets is one generation of the bucket array.
type Buckets struct {
	heads []atomic.Pointer[Node]
}

func newBuckets(n int) *Buckets {
	b := &Buckets{heads: make([]atomic.Pointer[Node], n)}
	for i := range b.heads {
		b.heads[i].Store(&Node{bucket: i})
	}

	return b
}

// Len returns the bucket count of this generation.
func (b *Buckets) Len() int { return len(b.heads) }

// Head returns the first node of bucket i; a sentinel if the bucket is empty.
func (b *Buckets) Head(i int) *Node { return b.heads[i].Load() }

func (b *Buckets) index(t Tuple) int {
	return int(t.hash() % uint64(len(b.heads)))
}

func (b *Buckets) push(i int, n *Node) {
	n.next.Store(b.heads[i].Load())
	b.heads[i].Store(n)
}

// Source is the read side of a connection table.
type Source interface {
	// Buckets returns the bucket array current at the time of the call.
	Buckets() *Buckets
}

// Table is a concurrently readable connection table.
type Table struct {
	mu      sync.Mutex
	cur     atomic.Pointer[Buckets]
	byTuple map[Tuple]*Entry
	count   atomic.Int64
	nextID  uint64
	resizes atomic.Uint64
	now     func() time.Time
}

var _ Source = (*Table)(nil)

// New creates a table with the given bucket count.
func New(buckets int) (*Table, error) {
	if buckets == 0 {
		buckets = DefaultBuckets
	}

	if buckets < 0 {
		return nil, fmt.Errorf("%w: bucket count %d", ErrInvalidInput, buckets)
	}

	t := &Table{byTuple: make(map[Tuple]*Entry), now: time.Now}
	t.cur.Store(newBuckets(buckets))

	return t, nil
}

// Buckets implements [Source].
func (t *Table) Buckets() *Buckets {
	return t.cur.Load()
}

// Len returns the number of tracked connections.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Resizes returns how many times the bucket array was replaced.
func (t *Table) Resizes() uint64 {
	return t.resizes.Load()
}

// Insert starts tracking tuple with an optional helper.
func (t *Table) Insert(tuple Tuple, helper *Helper) (*Entry, error) {
	if !tuple.valid() {
		return nil, fmt.Errorf("%w: tuple %s", ErrInvalidInput, tuple)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byTuple[tuple]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, tuple)
	}

	t.nextID++

	e := &Entry{tuple: tuple, id: t.nextID, created: t.now()}
	e.node.entry = e
	e.helper.Store(helper)

	b := t.cur.Load()
	b.push(b.index(tuple), &e.node)

	t.byTuple[tuple] = e
	t.count.Add(1)

	return e, nil
}

// Lookup returns the tracked entry for tuple.
func (t *Table) Lookup(tuple Tuple) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTuple[tuple]

	return e, ok
}

// Delete stops tracking tuple.
//
// The entry's node is unlinked but keeps its forward pointer; readers that
// hold it continue along the chain it was in.
func (t *Table) Delete(tuple Tuple) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTuple[tuple]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tuple)
	}

	b := t.cur.Load()
	link := &b.heads[b.index(tuple)]

	for n := link.Load(); !n.Sentinel(); n = n.next.Load() {
		if n == &e.node {
			link.Store(n.next.Load())

			break
		}

		link = &n.next
	}

	delete(t.byTuple, tuple)
	t.count.Add(-1)

	return nil
}

// Resize replaces the bucket array with one of n buckets, moving every live
// node. Nodes are relinked before the new array is published, so readers
// on the old array may follow a moved node into a new-array chain.
func (t *Table) Resize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: bucket count %d", ErrInvalidInput, n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	nb := newBuckets(n)

	for i := range old.heads {
		var chain []*Node

		for node := old.heads[i].Load(); !node.Sentinel(); node = node.next.Load() {
			chain = append(chain, node)
		}

		for _, node := range chain {
			nb.push(nb.index(node.entry.tuple), node)
		}
	}

	t.cur.Store(nb)
	t.resizes.Add(1)

	return nil
}

// Range calls fn for every entry reachable from the current bucket array.
// It takes no lock; see [Source] for the consistency it offers.
func (t *Table) Range(fn func(*Entry) bool) {
	b := t.cur.Load()

	for i := range b.heads {
		for n := b.heads[i].Load(); n != nil && !n.Sentinel(); n = n.next.Load() {
			if !fn(n.entry) {
				return
			}
		}
	}
}
