package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/dpi-conntrack/internal/app"
	"github.com/calvinalkan/dpi-conntrack/internal/config"
	"github.com/calvinalkan/dpi-conntrack/internal/vfs"
)

// ReadCmd returns the read command.
func ReadCmd(cfg *config.Config, log logr.Logger) *Command {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	conns := fs.String("conns", "", "JSONC file with the connections to track")
	offset := fs.Int64("offset", 0, "Ordinal of the first match to print")
	limit := fs.Int("limit", 0, "Print at most N matches (default: all)")
	out := fs.StringP("out", "o", "", "Write to `file` atomically instead of stdout")

	return &Command{
		Flags: fs,
		Usage: "read <ns> <name> [flags]",
		Args:  2,
		Short: "Register a handle and print its matches",
		Long: `Load connections into a fresh table for <ns>, register handle <name> and
print the connections whose helper is <name>, one per line.

<ns> is "current", "net:[N]" or N. With --limit one page is printed and the
offset to continue from is reported on stderr.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execRead(ctx, io, cfg, log, readInput{
				namespace: args[0],
				name:      args[1],
				conns:     *conns,
				offset:    *offset,
				limit:     *limit,
				out:       *out,
			})
		},
	}
}

type readInput struct {
	namespace string
	name      string
	conns     string
	offset    int64
	limit     int
	out       string
}

func execRead(ctx context.Context, io *IO, cfg *config.Config, log logr.Logger, in readInput) (err error) {
	if in.offset < 0 {
		return fmt.Errorf("%w: --offset must not be negative", ErrUsage)
	}

	id, err := namespaceArg(in.namespace)
	if err != nil {
		return err
	}

	var conns []app.Conn

	if in.conns != "" {
		path := in.conns
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.EffectiveCwd, path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read connections: %w", err)
		}

		conns, err = app.ParseConns(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	a := newApp(cfg, log, nil)

	defer func() {
		if cerr := closeApp(a); cerr != nil && err == nil {
			err = cerr
		}
	}()

	table, err := a.AddNamespace(ctx, id)
	if err != nil {
		return err
	}

	if err := app.InsertConns(table, conns); err != nil {
		return err
	}

	if _, err := a.Manager().RegisterName(ctx, id, in.name); err != nil {
		return err
	}

	dir, _ := a.FS().Dir(id)

	file, err := dir.Open(in.name)
	if err != nil {
		return err
	}

	var buf bytes.Buffer

	if in.limit > 0 {
		page, err := file.ReadPage(in.offset, in.limit)
		if err != nil {
			return err
		}

		buf.WriteString(page.String())

		if !page.EOF {
			io.ErrPrintln("next offset:", page.Next)
		}
	} else {
		if err := writeFrom(&buf, file, in.offset); err != nil {
			return err
		}
	}

	if in.out == "" {
		io.Printf("%s", buf.String())

		return nil
	}

	path := in.out
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.EffectiveCwd, path)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// writeFrom writes every match from offset on.
func writeFrom(buf *bytes.Buffer, file *vfs.File, offset int64) error {
	if offset == 0 {
		_, err := file.WriteTo(buf)

		return err
	}

	for {
		page, err := file.ReadPage(offset, vfs.DefaultPageSize)
		if err != nil {
			return err
		}

		buf.WriteString(page.String())

		if page.EOF {
			return nil
		}

		offset = page.Next
	}
}
