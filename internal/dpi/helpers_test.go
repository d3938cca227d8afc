package dpi_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dpi-conntrack/internal/dpi"
	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
)

var errInjected = errors.New("injected create failure")

type fakeFile struct {
	name   string
	closed atomic.Bool
	dir    *fakeDir
}

func (f *fakeFile) Close() error {
	if f.closed.Swap(true) {
		return fmt.Errorf("%s: closed twice", f.name)
	}

	f.dir.mu.Lock()
	if f.dir.files[f.name] == f {
		delete(f.dir.files, f.name)
	}
	f.dir.mu.Unlock()

	return nil
}

type fakeDir struct {
	mu    sync.Mutex
	files map[string]*fakeFile
	fail  atomic.Bool
}

func (d *fakeDir) Create(h *dpi.Handle) (io.Closer, error) {
	if d.fail.Load() {
		return nil, errInjected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// A reclaim-pending file with the same name is shadowed.
	f := &fakeFile{name: h.Name(), dir: d}
	d.files[h.Name()] = f

	return f, nil
}

func (d *fakeDir) file(name string) (*fakeFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[name]

	return f, ok
}

func (d *fakeDir) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.files)
}

type fakeFS struct {
	mu   sync.Mutex
	dirs map[netns.ID]*fakeDir
}

func newFakeFS() *fakeFS {
	return &fakeFS{dirs: make(map[netns.ID]*fakeDir)}
}

func (fs *fakeFS) Mkdir(id netns.ID) (dpi.Directory, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.dirs[id]; ok {
		return nil, fmt.Errorf("dir %s exists", id)
	}

	d := &fakeDir{files: make(map[string]*fakeFile)}
	fs.dirs[id] = d

	return d, nil
}

func (fs *fakeFS) RemoveDir(id netns.ID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, ok := fs.dirs[id]
	if !ok {
		return fmt.Errorf("dir %s missing", id)
	}

	if n := d.count(); n != 0 {
		return fmt.Errorf("dir %s holds %d files", id, n)
	}

	delete(fs.dirs, id)

	return nil
}

func (fs *fakeFS) dir(id netns.ID) *fakeDir {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.dirs[id]
}

func newDomain(t *testing.T) *rcu.Domain {
	t.Helper()

	d := rcu.New(rcu.Options{
		Logger:      logging.NewTestLogger(),
		PollInitial: 10 * time.Microsecond,
		PollMax:     time.Millisecond,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = d.Close(ctx)
	})

	return d
}

func newTable(t *testing.T, buckets int) *conntrack.Table {
	t.Helper()

	tbl, err := conntrack.New(buckets)
	require.NoError(t, err)

	return tbl
}

type fixture struct {
	domain *rcu.Domain
	fs     *fakeFS
	mgr    *dpi.Manager
	table  *conntrack.Table
	reg    *dpi.Registry
	dir    *fakeDir
	id     netns.ID
}

func newFixture(t *testing.T, opts dpi.Options) *fixture {
	t.Helper()

	if opts.Logger.GetSink() == nil {
		opts.Logger = logging.NewTestLogger()
	}

	f := &fixture{
		domain: newDomain(t),
		fs:     newFakeFS(),
		table:  newTable(t, 8),
		id:     netns.ID(1000),
	}

	f.mgr = dpi.NewManager(f.domain, f.fs, opts)

	reg, err := f.mgr.Create(context.Background(), f.id, f.table)
	require.NoError(t, err)

	f.reg = reg
	f.dir = f.fs.dir(f.id)

	return f
}

func (f *fixture) register(t *testing.T, name string) *dpi.Handle {
	t.Helper()

	h, err := f.reg.Register(context.Background(), name)
	require.NoError(t, err)

	return h
}

func (f *fixture) barrier(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.domain.Barrier(ctx))
}

var nextPort atomic.Uint32

// addConn inserts a TCP connection tagged with helper (empty for none).
func addConn(t *testing.T, tbl *conntrack.Table, helper string) *conntrack.Entry {
	t.Helper()

	var h *conntrack.Helper

	if helper != "" {
		var err error

		h, err = conntrack.NewHelper(helper)
		require.NoError(t, err)
	}

	port := uint16(1024 + nextPort.Add(1)%60000)

	e, err := tbl.Insert(conntrack.Tuple{
		Proto: conntrack.ProtoTCP,
		Src:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port),
		Dst:   netip.MustParseAddrPort("192.168.0.1:21"),
	}, h)
	require.NoError(t, err)

	return e
}

func drain(c *dpi.Cursor, pos int64) []uint64 {
	var ids []uint64

	for _, e := range c.All(pos) {
		ids = append(ids, e.ID())
	}

	return ids
}
