// Package app assembles a running dpictl instance: one reclamation domain,
// the in-memory /proc/net/dpi tree, and a connection table plus registry per
// namespace.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/dpi-conntrack/internal/config"
	"github.com/calvinalkan/dpi-conntrack/internal/dpi"
	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/metrics"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/internal/vfs"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
)

// ErrUnknownNamespace is returned for namespaces the app does not hold.
var ErrUnknownNamespace = errors.New("app: unknown namespace")

// Options configure an [App].
type Options struct {
	// Logger defaults to logr.Discard().
	Logger logr.Logger

	// Registerer receives the metrics. Nil disables them.
	Registerer prometheus.Registerer

	// RCU tunes the reclamation domain.
	RCU rcu.Options
}

// App is a running instance.
type App struct {
	cfg    config.Config
	log    logr.Logger
	domain *rcu.Domain
	fs     *vfs.FS
	mgr    *dpi.Manager

	mu     sync.Mutex
	tables map[netns.ID]*conntrack.Table
	churns map[netns.ID]context.CancelFunc
}

// New creates an app with no namespaces.
func New(cfg config.Config, opts Options) *App {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	rcuOpts := opts.RCU
	rcuOpts.Logger = log.WithName("rcu")

	domain := rcu.New(rcuOpts)

	if opts.Registerer != nil {
		metrics.Register(opts.Registerer)
		metrics.RegisterDomain(opts.Registerer, domain)
	}

	fsys := vfs.New()

	return &App{
		cfg:    cfg,
		log:    log,
		domain: domain,
		fs:     fsys,
		mgr: dpi.NewManager(domain, fsys, dpi.Options{
			BucketBits: cfg.BucketBits,
			MaxHandles: cfg.MaxHandles,
			Logger:     log.WithName("dpi"),
		}),
		tables: make(map[netns.ID]*conntrack.Table),
		churns: make(map[netns.ID]context.CancelFunc),
	}
}

// Config returns the configuration the app was built with.
func (a *App) Config() config.Config { return a.cfg }

// FS returns the /proc/net/dpi tree.
func (a *App) FS() *vfs.FS { return a.fs }

// Manager returns the namespace manager.
func (a *App) Manager() *dpi.Manager { return a.mgr }

// Domain returns the reclamation domain.
func (a *App) Domain() *rcu.Domain { return a.domain }

// AddNamespace creates namespace id with an empty connection table.
func (a *App) AddNamespace(ctx context.Context, id netns.ID) (*conntrack.Table, error) {
	table, err := conntrack.New(a.cfg.ConntrackBuckets)
	if err != nil {
		return nil, fmt.Errorf("add namespace %s: %w", id, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.mgr.Create(ctx, id, table); err != nil {
		return nil, fmt.Errorf("add namespace %s: %w", id, err)
	}

	a.tables[id] = table

	return table, nil
}

// RemoveNamespace destroys namespace id and stops its churn. It waits for
// every handle of id to be reclaimed.
func (a *App) RemoveNamespace(ctx context.Context, id netns.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.mgr.Destroy(ctx, id); err != nil {
		return fmt.Errorf("remove namespace %s: %w", id, err)
	}

	if stop, ok := a.churns[id]; ok {
		stop()
		delete(a.churns, id)
	}

	delete(a.tables, id)

	return nil
}

// Table returns the connection table of namespace id.
func (a *App) Table(id netns.ID) (*conntrack.Table, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, id)
	}

	return t, nil
}

// Namespaces lists the held namespaces, ascending.
func (a *App) Namespaces() []netns.ID {
	return a.mgr.Namespaces()
}

// Declared resolves the namespaces map of cfg. current is the process's own
// namespace.
func Declared(cfg config.Config, current netns.ID) (map[netns.ID][]string, error) {
	out := make(map[netns.ID][]string, len(cfg.Namespaces))

	for _, key := range slices.Sorted(maps.Keys(cfg.Namespaces)) {
		id, err := config.NamespaceID(key, current)
		if err != nil {
			return nil, err
		}

		names := append(out[id], cfg.Namespaces[key]...)
		slices.Sort(names)
		out[id] = slices.Compact(names)
	}

	return out, nil
}

// Reconcile makes the held namespaces and handles match declared. Missing
// namespaces are created and missing handles registered; handles and
// namespaces that are no longer declared are removed. Errors are collected
// and the remaining work still runs.
func (a *App) Reconcile(ctx context.Context, declared map[netns.ID][]string) error {
	var errs []error

	for _, id := range a.Namespaces() {
		if _, ok := declared[id]; ok {
			continue
		}

		if err := a.RemoveNamespace(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(declared)) {
		if _, err := a.Table(id); err != nil {
			if _, err := a.AddNamespace(ctx, id); err != nil {
				errs = append(errs, err)

				continue
			}
		}

		reg, err := a.mgr.Registry(id)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		want := declared[id]

		for _, h := range reg.Handles() {
			if slices.Contains(want, h.Name()) {
				continue
			}

			if err := reg.Unregister(h.Name()); err != nil && !errors.Is(err, dpi.ErrNotFound) {
				errs = append(errs, err)
			}
		}

		for _, name := range want {
			_, err := reg.Register(ctx, name)
			if err != nil && !errors.Is(err, dpi.ErrAlreadyExists) {
				errs = append(errs, fmt.Errorf("register %s in %s: %w", name, id, err))
			}
		}
	}

	a.log.V(logging.VERBOSE).Info("reconciled", "namespaces", len(declared), "errors", len(errs))

	return errors.Join(errs...)
}

// Churn runs a traffic generator on each table held when it is called, until
// ctx is done or the namespace is removed. helpers tag the generated
// connections. The conntrack_entries gauge of every held table is refreshed
// every sampleEvery.
func (a *App) Churn(ctx context.Context, helpers []*conntrack.Helper, sampleEvery time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	a.mu.Lock()
	tables := maps.Clone(a.tables)

	stops := make(map[netns.ID]context.Context, len(tables))
	for id := range tables {
		nsCtx, cancel := context.WithCancel(ctx)
		a.churns[id] = cancel
		stops[id] = nsCtx
	}
	a.mu.Unlock()

	for id, table := range tables {
		nsCtx := stops[id]
		label := id.String()
		churn := conntrack.NewChurn(table, conntrack.ChurnOptions{
			Helpers:     helpers,
			Interval:    a.cfg.ChurnEvery,
			Target:      a.cfg.ChurnTarget,
			ResizeEvery: a.cfg.ChurnResizeEvery,
			Seed:        uint64(id),
		})

		g.Go(func() error {
			err := churn.Run(nsCtx)
			a.log.V(logging.DEBUG).Info("churn stopped", "namespace", label, "stats", churn.Stats().String(), "reason", err)

			// Run only returns once ctx is done.
			return nil
		})
	}

	if sampleEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(sampleEvery)
			defer t.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					// Under the lock so a removed namespace's series stays forgotten.
					a.mu.Lock()
					for id, table := range a.tables {
						metrics.SetConntrackEntries(id.String(), table.Len())
					}
					a.mu.Unlock()
				}
			}
		})
	}

	err := g.Wait()

	a.mu.Lock()
	for id, cancel := range a.churns {
		if _, ok := stops[id]; ok {
			cancel()
			delete(a.churns, id)
		}
	}
	a.mu.Unlock()

	return err
}

// Helpers builds the churn helper set from the declared handle names. Names
// that cannot be helper names are skipped; a nil helper is always included
// so untagged connections exist.
func Helpers(declared map[netns.ID][]string) []*conntrack.Helper {
	seen := make(map[string]bool)
	out := []*conntrack.Helper{nil}

	for _, id := range slices.Sorted(maps.Keys(declared)) {
		for _, name := range declared[id] {
			if seen[name] {
				continue
			}

			seen[name] = true

			if h, err := conntrack.NewHelper(name); err == nil {
				out = append(out, h)
			}
		}
	}

	return out
}

// Handler serves /metrics (when gatherer is non-nil) and the /dpi/ tree.
func (a *App) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/dpi/", vfs.Handler(a.fs, a.cfg.PageSize, a.log.WithName("http")))

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Close destroys every namespace and then the domain.
func (a *App) Close(ctx context.Context) error {
	err := a.mgr.Close(ctx)

	a.mu.Lock()
	clear(a.tables)
	a.mu.Unlock()

	return errors.Join(err, a.domain.Close(ctx))
}
