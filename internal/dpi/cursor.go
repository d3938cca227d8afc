package dpi

import (
	"iter"

	"github.com/calvinalkan/dpi-conntrack/internal/metrics"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
)

// Cursor walks a connection table bucket by bucket and yields the entries
// whose helper name equals the handle's name.
//
// A Cursor holds read-side protection from Open until Release, so nodes it
// stands on stay valid even if they are unlinked meanwhile. It is not safe
// for concurrent use.
//
// Positions are ordinals of matches, not table offsets. Seek(n) returns the
// n-th match counted from bucket 0 at the time of the call; inserts or
// removals of matching entries before that point shift what an ordinal
// refers to.
type Cursor struct {
	h      *Handle
	src    conntrack.Source
	filter string
	guard  rcu.Guard

	bucket    int
	node      *conntrack.Node
	ordinal   int64
	exhausted bool
	released  bool
	resets    int
}

func newCursor(h *Handle, src conntrack.Source, g rcu.Guard) *Cursor {
	return &Cursor{
		h:       h,
		src:     src,
		filter:  h.name,
		guard:   g,
		ordinal: -1,
	}
}

// Handle returns the handle the cursor was opened on.
func (c *Cursor) Handle() *Handle { return c.h }

// Ordinal returns the position of the last returned entry, -1 before the
// first.
func (c *Cursor) Ordinal() int64 { return c.ordinal }

// Exhausted reports whether the walk has passed the last bucket.
func (c *Cursor) Exhausted() bool { return c.exhausted }

// Resets returns how many times the walk landed on a sentinel belonging to
// another bucket and restarted there.
func (c *Cursor) Resets() int { return c.resets }

// Seek restarts the walk and returns the match at position pos.
func (c *Cursor) Seek(pos int64) (*conntrack.Entry, bool) {
	if c.released || pos < 0 {
		return nil, false
	}

	c.bucket = 0
	c.node = nil
	c.ordinal = -1
	c.exhausted = false

	for {
		e, ok := c.Advance()
		if !ok || c.ordinal == pos {
			return e, ok
		}
	}
}

// Advance returns the next match. It returns false once the cursor is
// exhausted or released.
func (c *Cursor) Advance() (*conntrack.Entry, bool) {
	if c.released || c.exhausted {
		return nil, false
	}

	e, ok := c.next()
	if !ok {
		return nil, false
	}

	c.ordinal++
	metrics.RecordCursorMatch(c.h.reg.label)

	return e, true
}

// All yields (ordinal, entry) pairs starting at pos.
func (c *Cursor) All(pos int64) iter.Seq2[int64, *conntrack.Entry] {
	return func(yield func(int64, *conntrack.Entry) bool) {
		e, ok := c.Seek(pos)

		for ok {
			if !yield(c.ordinal, e) {
				return
			}

			e, ok = c.Advance()
		}
	}
}

// Release drops read-side protection. It is idempotent; the cursor yields
// nothing afterwards.
func (c *Cursor) Release() {
	if c.released {
		return
	}

	c.released = true
	c.node = nil
	c.guard.Unlock()
}

func (c *Cursor) next() (*conntrack.Entry, bool) {
	for {
		var n *conntrack.Node

		if c.node == nil {
			// Bucket heads are read from the array current right now; a
			// resize between buckets is picked up here.
			b := c.src.Buckets()
			if c.bucket >= b.Len() {
				c.exhausted = true

				return nil, false
			}

			n = b.Head(c.bucket)
		} else {
			n = c.node.Next()
		}

		if n.Sentinel() {
			if n.Bucket() == c.bucket {
				c.bucket++
			} else {
				// The chain was moved under us; continue from the bucket
				// the sentinel belongs to.
				c.bucket = n.Bucket()
				c.resets++
				metrics.RecordCursorReset(c.h.reg.label)
			}

			c.node = nil

			continue
		}

		c.node = n

		if c.match(n.Entry()) {
			return n.Entry(), true
		}
	}
}

func (c *Cursor) match(e *conntrack.Entry) bool {
	h := e.Helper()
	if h == nil {
		return false
	}

	return matchHelper(h.Name(), c.filter)
}
