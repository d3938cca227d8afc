package dpi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
)

// Filesystem holds one directory per namespace.
type Filesystem interface {
	// Mkdir creates the namespace's directory.
	Mkdir(id netns.ID) (Directory, error)

	// RemoveDir removes it. The directory is empty when this is called.
	RemoveDir(id netns.ID) error
}

type namespace struct {
	ns      *netns.Namespace
	reg     *Registry
	closing bool
	drained bool // registry released, directory still present
}

// Manager owns the registry of every namespace. All registries share one
// reclamation domain.
type Manager struct {
	domain *rcu.Domain
	fs     Filesystem
	opts   Options
	log    logr.Logger

	mu     sync.Mutex
	spaces map[netns.ID]*namespace
}

// NewManager creates a manager. opts apply to every registry it creates.
func NewManager(domain *rcu.Domain, fs Filesystem, opts Options) *Manager {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	return &Manager{
		domain: domain,
		fs:     fs,
		opts:   opts,
		log:    opts.Logger,
		spaces: make(map[netns.ID]*namespace),
	}
}

// Create sets up the registry and directory of namespace id over conns.
func (m *Manager) Create(ctx context.Context, id netns.ID, conns conntrack.Source) (*Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spaces[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceExists, id)
	}

	dir, err := m.fs.Mkdir(id)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}

	ns := netns.New(id, func(id netns.ID) {
		m.log.V(logging.DEBUG).Info("namespace released", "namespace", id.String())
	})

	reg, err := NewRegistry(ns, m.domain, conns, dir, m.opts)
	if err != nil {
		ns.Put()

		if rerr := m.fs.RemoveDir(id); rerr != nil {
			err = errors.Join(err, rerr)
		}

		return nil, fmt.Errorf("create %s: %w", id, err)
	}

	m.spaces[id] = &namespace{ns: ns, reg: reg}
	m.log.V(logging.DEFAULT).Info("namespace created", "namespace", id.String())

	return reg, nil
}

// Destroy tears down the registry of namespace id, waiting for every handle
// to be reclaimed, then removes its directory. If ctx expires or the
// directory cannot be removed the namespace stays closed and known, and
// Destroy may be called again.
func (m *Manager) Destroy(ctx context.Context, id netns.ID) error {
	m.mu.Lock()

	sp, ok := m.spaces[id]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownNamespace, id)
	}

	if sp.closing {
		m.mu.Unlock()

		return fmt.Errorf("destroy %s: %w", id, ErrNamespaceClosed)
	}

	sp.closing = true
	drained := sp.drained
	m.mu.Unlock()

	if !drained {
		if err := sp.reg.Teardown(ctx); err != nil {
			m.mu.Lock()
			sp.closing = false
			m.mu.Unlock()

			return fmt.Errorf("destroy: %w", err)
		}

		sp.reg.release()
	}

	if err := m.fs.RemoveDir(id); err != nil {
		m.mu.Lock()
		sp.closing = false
		sp.drained = true
		m.mu.Unlock()

		return fmt.Errorf("destroy %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.spaces, id)
	m.mu.Unlock()

	sp.ns.Put()
	m.log.V(logging.DEFAULT).Info("namespace destroyed", "namespace", id.String())

	return nil
}

// Registry returns the registry of namespace id.
func (m *Manager) Registry(id netns.ID) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.spaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, id)
	}

	return sp.reg, nil
}

// RegisterName registers name in namespace id.
func (m *Manager) RegisterName(ctx context.Context, id netns.ID, name string) (*Handle, error) {
	reg, err := m.Registry(id)
	if err != nil {
		return nil, err
	}

	return reg.Register(ctx, name)
}

// UnregisterName unregisters name from namespace id.
func (m *Manager) UnregisterName(id netns.ID, name string) error {
	reg, err := m.Registry(id)
	if err != nil {
		return err
	}

	return reg.Unregister(name)
}

// Namespaces returns the ids of all namespaces, ascending.
func (m *Manager) Namespaces() []netns.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]netns.ID, 0, len(m.spaces))
	for id := range m.spaces {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Close destroys every namespace.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error

	for _, id := range m.Namespaces() {
		if err := m.Destroy(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
