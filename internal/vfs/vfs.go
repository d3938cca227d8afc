// Package vfs is an in-memory stand-in for /proc/net/dpi: one directory per
// namespace, one read-only file per registered handle. Reading a file pages
// through the handle's cursor.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/dpi-conntrack/internal/dpi"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
)

// Modes reported for directories and files.
const (
	DirMode  fs.FileMode = fs.ModeDir | 0o555
	FileMode fs.FileMode = 0o440
)

// DefaultPageSize is the number of lines per read when none is given.
const DefaultPageSize = 128

// Sentinel errors.
var (
	// ErrNotEmpty is returned by RemoveDir while files remain.
	ErrNotEmpty = errors.New("vfs: directory not empty")

	// ErrClosed is returned when reading a file whose handle is gone.
	ErrClosed = errors.New("vfs: file closed")
)

// FS holds the per-namespace directories.
type FS struct {
	mu   sync.RWMutex
	dirs map[netns.ID]*Dir
}

var _ dpi.Filesystem = (*FS)(nil)

// New returns an empty filesystem.
func New() *FS {
	return &FS{dirs: make(map[netns.ID]*Dir)}
}

// Mkdir implements [dpi.Filesystem].
func (v *FS) Mkdir(id netns.ID) (dpi.Directory, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.dirs[id]; ok {
		return nil, fmt.Errorf("mkdir %s: %w", id, fs.ErrExist)
	}

	d := &Dir{id: id, created: time.Now(), files: make(map[string]*File)}
	v.dirs[id] = d

	return d, nil
}

// RemoveDir implements [dpi.Filesystem].
func (v *FS) RemoveDir(id netns.ID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	d, ok := v.dirs[id]
	if !ok {
		return fmt.Errorf("rmdir %s: %w", id, fs.ErrNotExist)
	}

	if n := d.Len(); n != 0 {
		return fmt.Errorf("rmdir %s: %w (%d files)", id, ErrNotEmpty, n)
	}

	delete(v.dirs, id)

	return nil
}

// Dir returns the directory of namespace id.
func (v *FS) Dir(id netns.ID) (*Dir, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, ok := v.dirs[id]

	return d, ok
}

// Namespaces lists the namespaces that have a directory, ascending.
func (v *FS) Namespaces() []netns.ID {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]netns.ID, 0, len(v.dirs))
	for id := range v.dirs {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Dir is one namespace's directory.
type Dir struct {
	id      netns.ID
	created time.Time

	mu    sync.RWMutex
	files map[string]*File
}

var _ dpi.Directory = (*Dir)(nil)

// Namespace returns the directory's namespace.
func (d *Dir) Namespace() netns.ID { return d.id }

// Create implements [dpi.Directory]. A file left behind by a handle that is
// still awaiting reclamation is shadowed by the new one.
func (d *Dir) Create(h *dpi.Handle) (io.Closer, error) {
	f := &File{dir: d, name: h.Name(), handle: h, created: time.Now()}

	d.mu.Lock()
	d.files[f.name] = f
	d.mu.Unlock()

	return f, nil
}

// Open returns the file named name.
func (d *Dir) Open(name string) (*File, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.files[name]
	if !ok {
		return nil, fmt.Errorf("open %s/%s: %w", d.id, name, fs.ErrNotExist)
	}

	return f, nil
}

// Len returns the number of files.
func (d *Dir) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.files)
}

// List returns the files sorted by name.
func (d *Dir) List() []*File {
	d.mu.RLock()
	out := make([]*File, 0, len(d.files))

	for _, f := range d.files {
		out = append(out, f)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })

	return out
}

func (d *Dir) unlink(f *File) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.files[f.name] == f {
		delete(d.files, f.name)
	}
}

// File exposes one handle's matches as text.
type File struct {
	dir     *Dir
	name    string
	handle  *dpi.Handle
	created time.Time
	closed  atomic.Bool
}

// Name returns the file name, which is the handle name.
func (f *File) Name() string { return f.name }

// Mode returns the permission bits.
func (f *File) Mode() fs.FileMode { return FileMode }

// Handle returns the handle the file reads.
func (f *File) Handle() *dpi.Handle { return f.handle }

// ModTime returns when the file was created.
func (f *File) ModTime() time.Time { return f.created }

// Close removes the file from its directory. It runs when the handle is
// reclaimed.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	f.dir.unlink(f)

	return nil
}

// Page is one read of a file.
type Page struct {
	// Lines holds one rendered entry per match.
	Lines []string

	// Offset is the ordinal of the first line.
	Offset int64

	// Next is the offset to pass to continue after this page.
	Next int64

	// EOF is true when no match follows the page.
	EOF bool
}

// String joins the lines, each newline-terminated.
func (p Page) String() string {
	if len(p.Lines) == 0 {
		return ""
	}

	return strings.Join(p.Lines, "\n") + "\n"
}

// ReadPage opens a cursor, seeks to offset and renders up to limit matches.
// limit <= 0 means [DefaultPageSize].
func (f *File) ReadPage(offset int64, limit int) (Page, error) {
	if offset < 0 {
		return Page{}, fmt.Errorf("read %s: negative offset %d", f.name, offset)
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}

	if f.closed.Load() {
		return Page{}, fmt.Errorf("read %s: %w", f.name, ErrClosed)
	}

	cur, err := f.handle.Open()
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w: %w", f.name, ErrClosed, err)
	}
	defer cur.Release()

	page := Page{Offset: offset, Next: offset}

	e, ok := cur.Seek(offset)
	for ok {
		page.Lines = append(page.Lines, RenderEntry(e))
		if len(page.Lines) == limit {
			break
		}

		e, ok = cur.Advance()
	}

	page.Next = offset + int64(len(page.Lines))

	if ok {
		_, more := cur.Advance()
		page.EOF = !more
	} else {
		page.EOF = true
	}

	return page, nil
}

// WriteTo writes every match, paging with [DefaultPageSize].
func (f *File) WriteTo(w io.Writer) (int64, error) {
	var (
		total  int64
		offset int64
	)

	for {
		page, err := f.ReadPage(offset, DefaultPageSize)
		if err != nil {
			return total, err
		}

		n, err := io.WriteString(w, page.String())
		total += int64(n)

		if err != nil {
			return total, err
		}

		if page.EOF {
			return total, nil
		}

		offset = page.Next
	}
}

// RenderEntry formats one connection the way conntrack listings do.
func RenderEntry(e *conntrack.Entry) string {
	t := e.Tuple()

	family := "ipv4"
	if t.Src.Addr().Is6() && !t.Src.Addr().Is4In6() {
		family = "ipv6"
	}

	helper := "-"
	if h := e.Helper(); h != nil {
		helper = h.Name()
	}

	return fmt.Sprintf("%s %s %d src=%s dst=%s sport=%d dport=%d helper=%s id=%d",
		family, t.Proto, uint8(t.Proto),
		t.Src.Addr(), t.Dst.Addr(), t.Src.Port(), t.Dst.Port(),
		helper, e.ID())
}
