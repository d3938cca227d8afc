// Package netns identifies network namespaces and counts the references
// held on them.
package netns

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrInvalidID is returned by [ParseID] for malformed input.
var ErrInvalidID = errors.New("netns: invalid namespace id")

// selfPath is the namespace link of the calling process.
const selfPath = "/proc/self/ns/net"

// ID is a namespace identity: the inode number of its nsfs file.
type ID uint64

// String renders the id the way the kernel names namespace links.
func (id ID) String() string {
	return "net:[" + strconv.FormatUint(uint64(id), 10) + "]"
}

// ParseID accepts "net:[N]" or a bare decimal N.
func ParseID(s string) (ID, error) {
	raw := s
	if strings.HasPrefix(raw, "net:[") && strings.HasSuffix(raw, "]") {
		raw = raw[len("net:[") : len(raw)-1]
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}

	return ID(n), nil
}

// Current returns the namespace of the calling process.
func Current() (ID, error) {
	return OfPath(selfPath)
}

// OfPath returns the namespace a nsfs path (such as /proc/<pid>/ns/net or a
// bind mount under /run/netns) refers to.
func OfPath(path string) (ID, error) {
	var st unix.Stat_t

	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	return ID(st.Ino), nil
}

// Namespace is a reference-counted namespace. The creator holds the first
// reference; release runs when the last one is put.
type Namespace struct {
	id      ID
	refs    atomic.Int64
	release func(ID)
}

// New returns a namespace holding one reference. release may be nil.
func New(id ID, release func(ID)) *Namespace {
	ns := &Namespace{id: id, release: release}
	ns.refs.Store(1)

	return ns
}

// ID returns the namespace identity.
func (ns *Namespace) ID() ID {
	return ns.id
}

// Get takes a reference. It fails once the count has dropped to zero.
func (ns *Namespace) Get() bool {
	for {
		n := ns.refs.Load()
		if n <= 0 {
			return false
		}

		if ns.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put drops a reference.
func (ns *Namespace) Put() {
	n := ns.refs.Add(-1)

	switch {
	case n == 0:
		if ns.release != nil {
			ns.release(ns.id)
		}
	case n < 0:
		panic(fmt.Sprintf("netns: %s reference count underflow", ns.id))
	}
}

// Refs returns the current reference count.
func (ns *Namespace) Refs() int64 {
	return ns.refs.Load()
}
