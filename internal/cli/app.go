package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/dpi-conntrack/internal/app"
	"github.com/calvinalkan/dpi-conntrack/internal/config"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
)

// closeTimeout bounds how long shutdown waits for handles to be reclaimed.
const closeTimeout = 10 * time.Second

func newApp(cfg *config.Config, log logr.Logger, reg prometheus.Registerer) *app.App {
	return app.New(*cfg, app.Options{Logger: log, Registerer: reg})
}

// closeApp tears a down with its own deadline, since ctx is usually the one
// that was just canceled.
func closeApp(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := a.Close(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

// namespaceArg parses a namespace argument: "current", "net:[N]" or N.
func namespaceArg(s string) (netns.ID, error) {
	if s != config.CurrentNamespace {
		return netns.ParseID(s)
	}

	id, err := netns.Current()
	if err != nil {
		return 0, fmt.Errorf("resolve current namespace: %w", err)
	}

	return id, nil
}

// declaredNamespaces resolves cfg.Namespaces. The current namespace is only
// looked up when it is declared.
func declaredNamespaces(cfg *config.Config) (map[netns.ID][]string, error) {
	var current netns.ID

	if _, ok := cfg.Namespaces[config.CurrentNamespace]; ok {
		id, err := namespaceArg(config.CurrentNamespace)
		if err != nil {
			return nil, err
		}

		current = id
	}

	return app.Declared(*cfg, current)
}
