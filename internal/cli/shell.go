package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/dpi-conntrack/internal/app"
	"github.com/calvinalkan/dpi-conntrack/internal/config"
	"github.com/calvinalkan/dpi-conntrack/internal/dpi"
	"github.com/calvinalkan/dpi-conntrack/internal/vfs"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
)

const shellPrompt = "dpi> "

// errQuit ends the shell loop.
var errQuit = errors.New("quit")

// ShellCmd returns the shell command. Lines are read from in; when in is nil
// or a terminal, an interactive line editor with history is used.
func ShellCmd(cfg *config.Config, log logr.Logger, in io.Reader) *Command {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	empty := fs.Bool("empty", false, "Start without the declared namespaces")

	return &Command{
		Flags: fs,
		Usage: "shell [flags]",
		Short: "Interactive console over namespaces, handles and connections",
		Long: `Start an interactive console. The namespaces declared in the config are
created and their handles registered unless --empty is given.

Type 'help' inside the shell for its commands.`,
		Exec: func(ctx context.Context, o *IO, _ []string) (err error) {
			a := newApp(cfg, log, nil)

			defer func() {
				if cerr := closeApp(a); cerr != nil && err == nil {
					err = cerr
				}
			}()

			if !*empty {
				declared, err := declaredNamespaces(cfg)
				if err != nil {
					return err
				}

				if err := a.Reconcile(ctx, declared); err != nil {
					o.Warn("some declared handles could not be set up", err.Error())
				}
			}

			sh := &Shell{app: a, out: o.Out(), helpers: make(map[string]*conntrack.Helper)}

			if f, ok := in.(*os.File); in == nil || (ok && f == os.Stdin && liner.TerminalSupported()) {
				return sh.interactive(ctx, cfg.HistoryFileAbs, o)
			}

			return sh.Run(ctx, in)
		},
	}
}

// Shell interprets console lines against an app.
type Shell struct {
	app     *app.App
	out     io.Writer
	helpers map[string]*conntrack.Helper
}

// Run executes every line of r until EOF or "quit". Errors of individual
// lines are printed and do not stop the loop.
func (s *Shell) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := s.Exec(ctx, sc.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}

			fmt.Fprintln(s.out, "error:", err)
		}
	}

	return sc.Err()
}

func (s *Shell) interactive(ctx context.Context, historyPath string, o *IO) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completeShell)

	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	defer func() {
		if err := saveHistory(line, historyPath); err != nil {
			o.Warn("history not saved", err.Error())
		}
	}()

	fmt.Fprintln(s.out, "Type 'help' for available commands.")

	for ctx.Err() == nil {
		input, err := line.Prompt(shellPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(input) == "" {
			continue
		}

		line.AppendHistory(input)

		if err := s.Exec(ctx, input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}

			fmt.Fprintln(s.out, "error:", err)
		}
	}

	return nil
}

// saveHistory replaces the history file atomically.
func saveHistory(line *liner.State, path string) error {
	if path == "" {
		return nil
	}

	var buf bytes.Buffer
	if _, err := line.WriteHistory(&buf); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	return atomic.WriteFile(path, &buf)
}

var shellCommands = []string{
	"ns", "register", "unregister", "ls", "conn", "resize",
	"read", "churn", "stats", "help", "quit", "exit",
}

func completeShell(line string) []string {
	var out []string

	lower := strings.ToLower(line)
	for _, c := range shellCommands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

// Exec runs one console line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		s.printHelp()

		return nil
	case "ns":
		return s.cmdNamespace(ctx, args)
	case "register":
		return s.cmdRegister(ctx, args)
	case "unregister":
		return s.cmdUnregister(args)
	case "ls":
		return s.cmdList(args)
	case "conn":
		return s.cmdConn(args)
	case "resize":
		return s.cmdResize(args)
	case "read":
		return s.cmdRead(args)
	case "churn":
		return s.cmdChurn(args)
	case "stats":
		return s.cmdStats()
	default:
		return fmt.Errorf("%w: %s (type 'help' for commands)", ErrUnknownCommand, cmd)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `Commands:
  ns add <ns> | ns rm <ns> | ns ls          Manage namespaces
  register <ns> <name>                      Register a handle
  unregister <ns> <name>                    Unregister a handle
  ls <ns>                                   List the handle files of a namespace
  conn add <ns> <proto> <src> <dst> [helper]
  conn rm <ns> <proto> <src> <dst>
  conn tag <ns> <proto> <src> <dst> [helper] Change or clear a helper
  resize <ns> <buckets>                     Replace the connection bucket array
  read <ns> <name> [offset] [limit]         Print matches of a handle
  churn <ns> <steps>                        Apply random connection changes
  stats                                     Show namespaces and reclamation counters
  help                                      Show this help
  quit                                      Exit

<ns> is "current", "net:[N]" or N.`)
}

func (s *Shell) cmdNamespace(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: ns add|rm|ls", ErrUsage)
	}

	switch args[0] {
	case "ls":
		for _, id := range s.app.Namespaces() {
			fmt.Fprintln(s.out, id)
		}

		return nil
	case "add", "rm":
		if len(args) != 2 {
			return fmt.Errorf("%w: ns %s <ns>", ErrUsage, args[0])
		}

		id, err := namespaceArg(args[1])
		if err != nil {
			return err
		}

		if args[0] == "add" {
			_, err = s.app.AddNamespace(ctx, id)
		} else {
			err = s.app.RemoveNamespace(ctx, id)
		}

		if err != nil {
			return err
		}

		fmt.Fprintln(s.out, "ok")

		return nil
	default:
		return fmt.Errorf("%w: ns add|rm|ls", ErrUsage)
	}
}

func (s *Shell) cmdRegister(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: register <ns> <name>", ErrUsage)
	}

	id, err := namespaceArg(args[0])
	if err != nil {
		return err
	}

	h, err := s.app.Manager().RegisterName(ctx, id, args[1])
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, h.ID())

	return nil
}

func (s *Shell) cmdUnregister(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: unregister <ns> <name>", ErrUsage)
	}

	id, err := namespaceArg(args[0])
	if err != nil {
		return err
	}

	if err := s.app.Manager().UnregisterName(id, args[1]); err != nil {
		return err
	}

	fmt.Fprintln(s.out, "ok")

	return nil
}

func (s *Shell) cmdList(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: ls <ns>", ErrUsage)
	}

	dir, err := s.dir(args[0])
	if err != nil {
		return err
	}

	for _, f := range dir.List() {
		fmt.Fprintf(s.out, "%s %s %s %s\n", f.Mode(), f.Name(), f.Handle().ID(), f.Handle().State())
	}

	return nil
}

func (s *Shell) cmdConn(args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("%w: conn add|rm|tag <ns> <proto> <src> <dst> [helper]", ErrUsage)
	}

	table, err := s.table(args[1])
	if err != nil {
		return err
	}

	c := app.Conn{Proto: args[2], Src: args[3], Dst: args[4]}
	if len(args) > 5 {
		c.Helper = args[5]
	}

	tuple, err := c.Tuple()
	if err != nil {
		return err
	}

	helper, err := s.helper(c.Helper)
	if err != nil {
		return err
	}

	switch args[0] {
	case "add":
		if _, err := table.Insert(tuple, helper); err != nil {
			return err
		}
	case "rm":
		if err := table.Delete(tuple); err != nil {
			return err
		}
	case "tag":
		entry, ok := table.Lookup(tuple)
		if !ok {
			return fmt.Errorf("%s: %w", tuple, conntrack.ErrNotFound)
		}

		entry.SetHelper(helper)
	default:
		return fmt.Errorf("%w: conn add|rm|tag", ErrUsage)
	}

	fmt.Fprintln(s.out, "ok")

	return nil
}

func (s *Shell) cmdResize(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: resize <ns> <buckets>", ErrUsage)
	}

	table, err := s.table(args[0])
	if err != nil {
		return err
	}

	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: buckets %q", ErrUsage, args[1])
	}

	return table.Resize(n)
}

func (s *Shell) cmdRead(args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return fmt.Errorf("%w: read <ns> <name> [offset] [limit]", ErrUsage)
	}

	dir, err := s.dir(args[0])
	if err != nil {
		return err
	}

	file, err := dir.Open(args[1])
	if err != nil {
		return err
	}

	var (
		offset int64
		limit  = vfs.DefaultPageSize
	)

	if len(args) > 2 {
		if offset, err = strconv.ParseInt(args[2], 10, 64); err != nil || offset < 0 {
			return fmt.Errorf("%w: offset %q", ErrUsage, args[2])
		}
	}

	if len(args) > 3 {
		if limit, err = strconv.Atoi(args[3]); err != nil || limit <= 0 {
			return fmt.Errorf("%w: limit %q", ErrUsage, args[3])
		}
	}

	page, err := file.ReadPage(offset, limit)
	if err != nil {
		return err
	}

	fmt.Fprint(s.out, page.String())
	fmt.Fprintf(s.out, "# next=%d eof=%t\n", page.Next, page.EOF)

	return nil
}

func (s *Shell) cmdChurn(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: churn <ns> <steps>", ErrUsage)
	}

	table, err := s.table(args[0])
	if err != nil {
		return err
	}

	steps, err := strconv.Atoi(args[1])
	if err != nil || steps < 0 {
		return fmt.Errorf("%w: steps %q", ErrUsage, args[1])
	}

	helpers := []*conntrack.Helper{nil}
	for _, h := range s.helpers {
		helpers = append(helpers, h)
	}

	cfg := s.app.Config()
	churn := conntrack.NewChurn(table, conntrack.ChurnOptions{
		Helpers: helpers,
		Target:  cfg.ChurnTarget,
	})

	for range steps {
		churn.Step()
	}

	fmt.Fprintln(s.out, churn.Stats())

	return nil
}

func (s *Shell) cmdStats() error {
	for _, id := range s.app.Namespaces() {
		reg, err := s.app.Manager().Registry(id)
		if err != nil {
			continue
		}

		table, err := s.app.Table(id)
		if err != nil {
			continue
		}

		fmt.Fprintf(s.out, "%s handles=%d live=%d conns=%d buckets=%d resizes=%d\n",
			id, reg.Len(), reg.Live(), table.Len(), table.Buckets().Len(), table.Resizes())
	}

	st := s.app.Domain().Stats()
	fmt.Fprintf(s.out, "rcu grace_periods=%d pending=%d readers=%d\n", st.GracePeriods, st.Pending(), st.Readers)

	return nil
}

func (s *Shell) dir(arg string) (*vfs.Dir, error) {
	id, err := namespaceArg(arg)
	if err != nil {
		return nil, err
	}

	dir, ok := s.app.FS().Dir(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dpi.ErrUnknownNamespace, id)
	}

	return dir, nil
}

func (s *Shell) table(arg string) (*conntrack.Table, error) {
	id, err := namespaceArg(arg)
	if err != nil {
		return nil, err
	}

	return s.app.Table(id)
}

// helper returns a shared helper for name; "" and "-" mean none.
func (s *Shell) helper(name string) (*conntrack.Helper, error) {
	if name == "" || name == "-" {
		return nil, nil
	}

	if h, ok := s.helpers[name]; ok {
		return h, nil
	}

	h, err := conntrack.NewHelper(name)
	if err != nil {
		return nil, err
	}

	s.helpers[name] = h

	return h, nil
}
