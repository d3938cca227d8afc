package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dpi-conntrack/internal/metrics"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcu"
)

func Test_RegisterDomain_Exposes_Grace_Periods(t *testing.T) {
	t.Parallel()

	d := rcu.New(rcu.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	defer func() { _ = d.Close(ctx) }()

	reg := prometheus.NewPedanticRegistry()
	metrics.RegisterDomain(reg, d)

	require.NoError(t, d.Synchronize(ctx))

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false

	for _, mf := range families {
		if mf.GetName() == "dpi_rcu_grace_periods_total" {
			found = true

			require.InDelta(t, 1, mf.GetMetric()[0].GetCounter().GetValue(), 0)
		}
	}

	require.True(t, found, "grace period counter not gathered")
}

func Test_Record_Functions_Do_Not_Panic_Before_Register(t *testing.T) {
	t.Parallel()

	ns := "net:[metrics-test]"

	metrics.RecordRegister(ns, metrics.ResultOK)
	metrics.RecordUnregister(ns, metrics.ResultOK)
	metrics.AddHandlesActive(ns, 1)
	metrics.RecordReclaim(ns)
	metrics.RecordCursorOpen(ns)
	metrics.RecordCursorMatch(ns)
	metrics.RecordCursorReset(ns)
	metrics.SetConntrackEntries(ns, 3)
	metrics.Forget(ns)
}
