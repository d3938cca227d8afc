package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/dpi-conntrack/internal/app"
	"github.com/calvinalkan/dpi-conntrack/internal/config"
	"github.com/calvinalkan/dpi-conntrack/internal/logging"
)

const (
	sampleEvery     = time.Second
	shutdownTimeout = 5 * time.Second
)

// ServeCmd returns the serve command.
func ServeCmd(cfg *config.Config, log logr.Logger, env map[string]string) *Command {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "", "Listen address for /metrics and /dpi/ (default: metrics_addr)")
	watch := fs.Bool("watch", false, "Reload declared namespaces when the config file changes")
	noChurn := fs.Bool("no-churn", false, "Do not generate connection traffic")
	duration := fs.Duration("duration", 0, "Stop after this long (default: until interrupted)")

	return &Command{
		Flags: fs,
		Usage: "serve [flags]",
		Short: "Run the declared namespaces and serve them over HTTP",
		Long: `Create every namespace declared in the config, register its handles and run
a traffic generator on each connection table. The /dpi/ tree and /metrics are
served on --addr, or metrics_addr from the config.

With --watch the project config file is watched and namespaces and handles
are reconciled with it on every change.`,
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return execServe(ctx, io, cfg, log, serveInput{
				addr:     *addr,
				addrSet:  fs.Changed("addr"),
				watch:    *watch,
				churn:    !*noChurn,
				duration: *duration,
				env:      env,
			})
		},
	}
}

type serveInput struct {
	addr     string
	addrSet  bool
	watch    bool
	churn    bool
	duration time.Duration
	env      map[string]string
}

func execServe(ctx context.Context, io *IO, cfg *config.Config, log logr.Logger, in serveInput) (err error) {
	declared, err := declaredNamespaces(cfg)
	if err != nil {
		return err
	}

	if in.duration > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, in.duration)
		defer cancel()
	}

	addr := cfg.MetricsAddr
	if in.addrSet {
		addr = in.addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := newApp(cfg, log, reg)

	defer func() {
		if cerr := closeApp(a); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := a.Reconcile(ctx, declared); err != nil {
		io.Warn("some declared handles could not be set up", err.Error())
	}

	var ln net.Listener

	if addr != "" {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		io.Println("listening on", ln.Addr().String())
	}

	for _, id := range a.Namespaces() {
		r, _ := a.Manager().Registry(id)
		io.Printf("%s: %d handles\n", id, r.Len())
	}

	g, gctx := errgroup.WithContext(ctx)

	if ln != nil {
		srv := &http.Server{Handler: a.Handler(reg), ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(sctx)
		})
	}

	if in.churn {
		g.Go(func() error {
			return a.Churn(gctx, app.Helpers(declared), sampleEvery)
		})
	}

	if in.watch {
		path := cfg.Sources.Project
		if path == "" {
			io.Warn("--watch ignored", "create "+config.FileName+" or pass -c to watch a config file")
		} else {
			g.Go(func() error {
				return app.Watch(gctx, path, app.DebounceDelay, log, func(ctx context.Context) error {
					return reload(ctx, a, cfg, in.env)
				})
			})
		}
	}

	log.V(logging.DEFAULT).Info("serving", "namespaces", len(declared), "addr", addr)

	g.Go(func() error {
		<-gctx.Done()

		return nil
	})

	return g.Wait()
}

// reload re-reads the config cfg was loaded from and reconciles a with its
// namespaces. Only the namespaces section takes effect without a restart.
func reload(ctx context.Context, a *app.App, cfg *config.Config, env map[string]string) error {
	next, err := config.Load(config.LoadInput{
		WorkDirOverride: cfg.EffectiveCwd,
		ConfigPath:      cfg.Sources.Project,
		Env:             env,
	})
	if err != nil {
		return err
	}

	declared, err := declaredNamespaces(&next)
	if err != nil {
		return err
	}

	return a.Reconcile(ctx, declared)
}
