package dpi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/metrics"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcuhash"
)

// MaxNameLen bounds handle names.
const MaxNameLen = 255

// teardownPoll is how often Teardown re-checks for handles whose
// reclamation was queued by a concurrent Unregister.
const teardownPoll = time.Millisecond

// Directory creates the external file of a handle.
type Directory interface {
	// Create makes the file for h. It is called after h is linked and
	// outside the registry's mutation lock.
	Create(h *Handle) (io.Closer, error)
}

// Options configure a [Registry].
type Options struct {
	// BucketBits sizes the handle table; see [rcuhash.Options].
	BucketBits int

	// MaxHandles caps linked plus not yet reclaimed handles. Zero means
	// no limit.
	MaxHandles int

	// Logger defaults to logr.Discard().
	Logger logr.Logger
}

// Registry is the set of named handles of one namespace.
//
// Find, Open and Handles never take the mutation lock. Register and
// Unregister serialize on it only while swinging pointers; file creation
// and reclamation happen outside it.
type Registry struct {
	ns    *netns.Namespace
	label string
	table *rcuhash.Table[*Handle]
	rcu   *rcu.Domain
	dir   Directory
	conns conntrack.Source
	log   logr.Logger
	max   int

	closed atomic.Bool
	live   atomic.Int64
}

// NewRegistry creates an empty registry for ns. Handles take references on
// ns; reclamation runs on domain.
func NewRegistry(ns *netns.Namespace, domain *rcu.Domain, conns conntrack.Source, dir Directory, opts Options) (*Registry, error) {
	table, err := rcuhash.New[*Handle](rcuhash.Options{BucketBits: opts.BucketBits})
	if err != nil {
		return nil, fmt.Errorf("new registry: %w", err)
	}

	if opts.MaxHandles < 0 {
		return nil, fmt.Errorf("new registry: max handles %d < 0", opts.MaxHandles)
	}

	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Registry{
		ns:    ns,
		label: ns.ID().String(),
		table: table,
		rcu:   domain,
		dir:   dir,
		conns: conns,
		log:   log.WithValues("namespace", ns.ID().String()),
		max:   opts.MaxHandles,
	}, nil
}

// Namespace returns the namespace the registry belongs to.
func (r *Registry) Namespace() netns.ID {
	return r.ns.ID()
}

// Len returns the number of linked handles.
func (r *Registry) Len() int {
	return r.table.Len()
}

// Live returns the number of handles not yet reclaimed, linked or not.
func (r *Registry) Live() int64 {
	return r.live.Load()
}

// Closed reports whether Teardown has started.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

// Register links a new handle and creates its file.
//
// If the file cannot be created the handle is unlinked again and queued for
// reclamation before Register returns [ErrExternalRegistrationFailed].
func (r *Registry) Register(ctx context.Context, name string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := validateName(name); err != nil {
		metrics.RecordRegister(r.label, metrics.ResultExhausted)

		return nil, err
	}

	h, err := r.table.InsertIfAbsent(name, func() (*Handle, error) {
		if r.closed.Load() {
			return nil, ErrNamespaceClosed
		}

		if r.max > 0 && r.live.Load() >= int64(r.max) {
			return nil, fmt.Errorf("%w: registry holds %d handles", ErrResourceExhausted, r.max)
		}

		if !r.ns.Get() {
			return nil, ErrNamespaceClosed
		}

		h := newHandle(r, name)
		h.state.Store(int32(StateActive))
		r.live.Add(1)
		metrics.AddHandlesActive(r.label, 1)

		return h, nil
	})

	switch {
	case errors.Is(err, rcuhash.ErrExists):
		metrics.RecordRegister(r.label, metrics.ResultExists)

		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	case errors.Is(err, ErrNamespaceClosed), errors.Is(err, rcuhash.ErrClosed):
		metrics.RecordRegister(r.label, metrics.ResultClosed)

		return nil, fmt.Errorf("register %q: %w", name, ErrNamespaceClosed)
	case err != nil:
		metrics.RecordRegister(r.label, metrics.ResultExhausted)

		return nil, fmt.Errorf("register %q: %w", name, err)
	}

	f, err := r.dir.Create(h)
	if err != nil {
		r.remove(h)
		metrics.RecordRegister(r.label, metrics.ResultExternalFailed)
		r.log.Error(err, "creating handle file", "handle", name)

		return nil, fmt.Errorf("%w: %q: %w", ErrExternalRegistrationFailed, name, err)
	}

	if !h.attach(f) {
		// Unregistered (or torn down) between linking and file creation.
		if cerr := f.Close(); cerr != nil {
			r.log.Error(cerr, "closing orphaned handle file", "handle", name)
		}

		metrics.RecordRegister(r.label, metrics.ResultNotFound)

		return nil, fmt.Errorf("%w: %q removed during registration", ErrNotFound, name)
	}

	metrics.RecordRegister(r.label, metrics.ResultOK)
	r.log.V(logging.VERBOSE).Info("handle registered", "handle", name, "id", h.id)

	return h, nil
}

// Unregister unlinks the named handle and queues it for reclamation. It
// does not wait for the grace period.
func (r *Registry) Unregister(name string) error {
	if r.closed.Load() {
		return fmt.Errorf("unregister %q: %w", name, ErrNamespaceClosed)
	}

	h, ok := r.table.Unlink(name)
	if !ok {
		metrics.RecordUnregister(r.label, metrics.ResultNotFound)

		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	r.retire(h)
	metrics.RecordUnregister(r.label, metrics.ResultOK)
	r.log.V(logging.VERBOSE).Info("handle unregistered", "handle", name, "id", h.id)

	return nil
}

// Find returns the linked handle with the given name.
func (r *Registry) Find(name string) (*Handle, bool) {
	if r.closed.Load() {
		return nil, false
	}

	return r.table.Lookup(name)
}

// Open finds the named handle and opens a cursor on it.
func (r *Registry) Open(name string) (*Cursor, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("open %q: %w", name, ErrNamespaceClosed)
	}

	h, ok := r.table.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	return h.Open()
}

// Handles returns the linked handles sorted by name.
func (r *Registry) Handles() []*Handle {
	var out []*Handle

	r.table.Range(func(_ string, h *Handle) bool {
		out = append(out, h)

		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })

	return out
}

// Teardown closes the registry, unlinks every handle and waits until all of
// them have been reclaimed. After it returns nil the registry is empty and
// may be released. It is safe to call again after a context error.
func (r *Registry) Teardown(ctx context.Context) error {
	r.closed.Store(true)
	// Waits out a Register that is linking right now.
	r.table.Close()

	for r.table.Len() > 0 {
		for _, h := range r.Handles() {
			if r.remove(h) {
				metrics.RecordUnregister(r.label, metrics.ResultOK)
			}
		}
	}

	for {
		if err := r.rcu.Barrier(ctx); err != nil {
			return fmt.Errorf("teardown %s: %w", r.label, err)
		}

		if r.live.Load() == 0 {
			break
		}

		// A concurrent Unregister unlinked a handle but has not queued it.
		select {
		case <-ctx.Done():
			return fmt.Errorf("teardown %s: %w", r.label, ctx.Err())
		case <-time.After(teardownPoll):
		}
	}

	r.log.V(logging.DEFAULT).Info("registry torn down")

	return nil
}

// release asserts the registry is empty. Releasing one with live handles
// would leave them pointing at a dead namespace.
func (r *Registry) release() {
	if n := r.live.Load(); n != 0 || r.table.Len() != 0 {
		panic(fmt.Sprintf("dpi: releasing registry %s with %d live handles", r.label, n))
	}

	metrics.Forget(r.label)
}

// remove unlinks h if it is still the handle linked under its name.
func (r *Registry) remove(h *Handle) bool {
	if _, ok := r.table.UnlinkIf(h.name, func(x *Handle) bool { return x == h }); !ok {
		return false
	}

	r.retire(h)

	return true
}

// retire marks an unlinked h removed and queues its reclamation.
func (r *Registry) retire(h *Handle) {
	h.mu.Lock()
	h.state.Store(int32(StateRemoved))
	h.mu.Unlock()

	metrics.AddHandlesActive(r.label, -1)
	r.rcu.Call(h.reclaim)
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("%w: name length %d not in [1, %d]", ErrResourceExhausted, len(name), MaxNameLen)
	}

	if strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}
