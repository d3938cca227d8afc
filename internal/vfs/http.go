package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
)

// Response headers set on file reads.
const (
	HeaderNextOffset = "X-Next-Offset"
	HeaderEOF        = "X-EOF"
)

// Handler serves the tree read-only over HTTP:
//
//	GET /dpi/                      namespaces, one per line
//	GET /dpi/{ns}/                 file names with mode, one per line
//	GET /dpi/{ns}/{name}?offset=&limit=
//
// pageSize is used when limit is absent.
func Handler(v *FS, pageSize int, log logr.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /dpi/{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		for _, id := range v.Namespaces() {
			fmt.Fprintln(w, uint64(id))
		}
	})

	mux.HandleFunc("GET /dpi/{ns}/{$}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := lookupDir(w, r, v)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		for _, f := range d.List() {
			fmt.Fprintf(w, "%s %s\n", f.Mode(), f.Name())
		}
	})

	mux.HandleFunc("GET /dpi/{ns}/{name}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := lookupDir(w, r, v)
		if !ok {
			return
		}

		f, err := d.Open(r.PathValue("name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)

			return
		}

		offset, limit, err := pageParams(r, pageSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		page, err := f.ReadPage(offset, limit)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrClosed) {
				status = http.StatusGone
			}

			log.V(logging.DEBUG).Info("read failed", "file", f.Name(), "err", err.Error())
			http.Error(w, err.Error(), status)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set(HeaderNextOffset, strconv.FormatInt(page.Next, 10))
		w.Header().Set(HeaderEOF, strconv.FormatBool(page.EOF))

		_, _ = w.Write([]byte(page.String()))
	})

	return mux
}

func lookupDir(w http.ResponseWriter, r *http.Request, v *FS) (*Dir, bool) {
	id, err := netns.ParseID(r.PathValue("ns"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return nil, false
	}

	d, ok := v.Dir(id)
	if !ok {
		http.Error(w, fmt.Sprintf("%s: %v", id, fs.ErrNotExist), http.StatusNotFound)

		return nil, false
	}

	return d, true
}

func pageParams(r *http.Request, pageSize int) (int64, int, error) {
	q := r.URL.Query()

	var (
		offset int64
		limit  = pageSize
		err    error
	)

	if s := q.Get("offset"); s != "" {
		offset, err = strconv.ParseInt(s, 10, 64)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", s)
		}
	}

	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", s)
		}
	}

	return offset, limit, nil
}
