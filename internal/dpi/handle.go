package dpi

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/metrics"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
)

// HandleState is the lifecycle position of a [Handle].
type HandleState int32

// Handle lifecycle. States only move forward.
const (
	StateUnlinked HandleState = iota
	StateActive
	StateRemoved
	StateReclaimed
)

func (s HandleState) String() string {
	switch s {
	case StateUnlinked:
		return "unlinked"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	case StateReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("HandleState(%d)", int32(s))
	}
}

// Handle is a named view over a namespace's connection table. Cursors opened
// on it yield the connections whose helper carries the handle's name.
type Handle struct {
	id      uuid.UUID
	name    string
	created time.Time
	reg     *Registry
	ns      *netns.Namespace

	state atomic.Int32

	mu   sync.Mutex
	file io.Closer
}

func newHandle(reg *Registry, name string) *Handle {
	return &Handle{
		id:      uuid.New(),
		name:    name,
		created: time.Now(),
		reg:     reg,
		ns:      reg.ns,
	}
}

// ID returns the random identity tagging the handle's file.
func (h *Handle) ID() uuid.UUID { return h.id }

// Name returns the handle name, which is also its helper filter.
func (h *Handle) Name() string { return h.name }

// Namespace returns the owning namespace.
func (h *Handle) Namespace() netns.ID { return h.ns.ID() }

// Created returns the registration time.
func (h *Handle) Created() time.Time { return h.created }

// State returns the current lifecycle state.
func (h *Handle) State() HandleState { return HandleState(h.state.Load()) }

// Open starts a cursor over the namespace's connection table filtered by
// the handle's name. The cursor holds read-side protection until Release;
// the handle is not reclaimed while it is open.
func (h *Handle) Open() (*Cursor, error) {
	g := h.reg.rcu.Read()

	if h.State() != StateActive {
		g.Unlock()

		return nil, fmt.Errorf("%w: %q", ErrNotFound, h.name)
	}

	metrics.RecordCursorOpen(h.reg.label)

	return newCursor(h, h.reg.conns, g), nil
}

// attach stores the external file. It refuses once the handle has been
// unlinked; the caller then owns f.
func (h *Handle) attach(f io.Closer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != StateActive {
		return false
	}

	h.file = f

	return true
}

// reclaim runs after a grace period following unlink. It tears the file
// down and drops the namespace reference.
func (h *Handle) reclaim() {
	h.mu.Lock()
	f := h.file
	h.file = nil
	h.state.Store(int32(StateReclaimed))
	h.mu.Unlock()

	log := h.reg.log.WithValues("handle", h.name, "id", h.id)

	if f != nil {
		if err := f.Close(); err != nil {
			log.Error(err, "closing handle file")
		}
	}

	h.ns.Put()
	h.reg.live.Add(-1)

	metrics.RecordReclaim(h.reg.label)
	log.V(logging.DEBUG).Info("handle reclaimed")
}

// matchHelper compares helper names the way fixed-size name buffers do:
// equal on the first [conntrack.HelperNameLen] bytes.
func matchHelper(name, filter string) bool {
	if len(name) > conntrack.HelperNameLen {
		name = name[:conntrack.HelperNameLen]
	}

	if len(filter) > conntrack.HelperNameLen {
		filter = filter[:conntrack.HelperNameLen]
	}

	return name == filter
}
