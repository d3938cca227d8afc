package dpi_test

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dpi-conntrack/internal/dpi"
	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
)

func Test_Seek_Returns_Exhausted_When_No_Entry_Matches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.register(t, "alpha")

	addConn(t, f.table, "beta")
	addConn(t, f.table, "")

	cur, err := f.reg.Open("alpha")
	require.NoError(t, err)

	defer cur.Release()

	e, ok := cur.Seek(0)
	require.False(t, ok)
	require.Nil(t, e)
	require.True(t, cur.Exhausted())
	require.Equal(t, int64(-1), cur.Ordinal())
}

func Test_Advance_Skips_Other_Helpers_And_Numbers_Matches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.table = newTable(t, 1)

	reg, err := f.mgr.Create(context.Background(), f.id+1, f.table)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "alpha")
	require.NoError(t, err)

	// One bucket with head insertion: chain order is the reverse of this.
	first := addConn(t, f.table, "alpha")
	addConn(t, f.table, "beta")
	last := addConn(t, f.table, "alpha")

	cur, err := reg.Open("alpha")
	require.NoError(t, err)

	defer cur.Release()

	e, ok := cur.Seek(0)
	require.True(t, ok)
	require.Equal(t, last.ID(), e.ID())
	require.Equal(t, int64(0), cur.Ordinal())

	e, ok = cur.Advance()
	require.True(t, ok)
	require.Equal(t, first.ID(), e.ID())
	require.Equal(t, int64(1), cur.Ordinal())

	_, ok = cur.Advance()
	require.False(t, ok)
	require.True(t, cur.Exhausted())

	_, ok = cur.Advance()
	require.False(t, ok, "exhausted cursor must stay exhausted")
}

func Test_Seek_Then_Advance_Matches_Seek_At_Later_Position(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.register(t, "alpha")

	rng := rand.New(rand.NewPCG(1, 2))
	for range 300 {
		addConn(t, f.table, []string{"", "alpha", "beta", "alphabet"}[rng.IntN(4)])
	}

	cur, err := f.reg.Open("alpha")
	require.NoError(t, err)

	defer cur.Release()

	all := drain(cur, 0)
	require.NotEmpty(t, all)

	for _, k := range []int64{0, 1, 5, int64(len(all) / 2)} {
		for _, n := range []int64{0, 1, 3, 10} {
			if k+n >= int64(len(all)) {
				continue
			}

			_, ok := cur.Seek(k)
			require.True(t, ok)

			var e *conntrack.Entry

			for range n {
				e, ok = cur.Advance()
				require.True(t, ok)
			}

			want, ok := cur.Seek(k + n)
			require.True(t, ok)

			if n > 0 {
				require.Equal(t, want.ID(), e.ID(), "seek(%d)+%d advances", k, n)
			}

			require.Equal(t, k+n, cur.Ordinal())
		}
	}

	got := drain(cur, 3)
	if diff := cmp.Diff(all[3:], got); diff != "" {
		t.Fatalf("All(3) differs from All(0)[3:] (-want +got):\n%s", diff)
	}
}

func Test_Cursor_Never_Yields_Entry_Without_Matching_Helper(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.register(t, "alpha")

	entries := []*conntrack.Entry{}
	for _, tag := range []string{"", "alpha", "beta", "alph", "alphaa", "ALPHA", "alpha"} {
		entries = append(entries, addConn(t, f.table, tag))
	}

	// Retag after insertion; the cursor reads the current helper.
	beta, err := conntrack.NewHelper("beta")
	require.NoError(t, err)
	entries[1].SetHelper(beta)

	cur, err := f.reg.Open("alpha")
	require.NoError(t, err)

	defer cur.Release()

	ids := drain(cur, 0)
	require.Equal(t, []uint64{entries[6].ID()}, ids)
}

func Test_Release_Is_Idempotent_And_Stops_Cursor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.register(t, "alpha")
	addConn(t, f.table, "alpha")

	cur, err := f.reg.Open("alpha")
	require.NoError(t, err)

	_, ok := cur.Seek(0)
	require.True(t, ok)

	cur.Release()
	cur.Release()

	_, ok = cur.Advance()
	require.False(t, ok)

	_, ok = cur.Seek(0)
	require.False(t, ok)

	require.Zero(t, f.domain.Stats().Readers)
}

func Test_Open_Returns_ErrNotFound_When_Handle_Unregistered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	h := f.register(t, "alpha")

	require.NoError(t, f.reg.Unregister("alpha"))

	_, err := h.Open()
	require.ErrorIs(t, err, dpi.ErrNotFound)

	_, err = f.reg.Open("alpha")
	require.ErrorIs(t, err, dpi.ErrNotFound)

	require.Zero(t, f.domain.Stats().Readers)
}

func Test_Drained_Cursor_Survives_Unregister_Until_Released(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	h := f.register(t, "alpha")
	addConn(t, f.table, "alpha")

	cur, err := h.Open()
	require.NoError(t, err)
	require.Len(t, drain(cur, 0), 1)

	require.NoError(t, f.reg.Unregister("alpha"))

	file, ok := f.dir.file("alpha")
	require.True(t, ok)

	barrier := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		barrier <- f.domain.Barrier(ctx)
	}()

	select {
	case <-barrier:
		t.Fatal("handle reclaimed while a cursor on it was open")
	case <-time.After(30 * time.Millisecond):
	}

	require.Equal(t, dpi.StateRemoved, h.State())
	require.False(t, file.closed.Load())
	require.Same(t, h, cur.Handle())

	// The cursor is still usable on the unlinked handle.
	_, ok = cur.Seek(0)
	require.True(t, ok)

	cur.Release()

	require.NoError(t, <-barrier)
	require.Equal(t, dpi.StateReclaimed, h.State())
	require.True(t, file.closed.Load())
}

func Test_Cursor_Restarts_At_Sentinel_Bucket_After_Resize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.table = newTable(t, 1)

	reg, err := f.mgr.Create(context.Background(), f.id+1, f.table)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "alpha")
	require.NoError(t, err)

	for range 16 {
		addConn(t, f.table, "alpha")
	}

	cur, err := reg.Open("alpha")
	require.NoError(t, err)

	defer cur.Release()

	start, ok := cur.Seek(0)
	require.True(t, ok)

	require.NoError(t, f.table.Resize(64))

	// Find the new bucket of the node the cursor stands on.
	b := f.table.Buckets()
	moved := -1

	for i := range b.Len() {
		for n := b.Head(i); !n.Sentinel(); n = n.Next() {
			if n.Entry() == start {
				moved = i
			}
		}
	}

	require.GreaterOrEqual(t, moved, 0)

	n := 0
	for {
		if _, ok := cur.Advance(); !ok {
			break
		}

		n++
		require.Less(t, n, 1000, "cursor does not terminate")
	}

	require.True(t, cur.Exhausted())

	if moved == 0 {
		require.Zero(t, cur.Resets())
	} else {
		require.Equal(t, 1, cur.Resets())
	}
}

func Test_Cursor_Exhausts_After_Grow_Then_Shrink_While_Parked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.table = newTable(t, 64)

	reg, err := f.mgr.Create(context.Background(), f.id+1, f.table)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "alpha")
	require.NoError(t, err)

	for range 32 {
		addConn(t, f.table, "alpha")
	}

	cur, err := reg.Open("alpha")
	require.NoError(t, err)

	defer cur.Release()

	_, ok := cur.Seek(0)
	require.True(t, ok)

	require.NoError(t, f.table.Resize(128))
	require.NoError(t, f.table.Resize(2))

	for range 1000 {
		if _, ok := cur.Advance(); !ok {
			break
		}
	}

	require.True(t, cur.Exhausted())
}

func Test_Cursors_Terminate_Under_Concurrent_Churn_And_Resize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dpi.Options{})
	f.register(t, "ftp")
	f.register(t, "sip")

	var helpers []*conntrack.Helper

	for _, name := range []string{"ftp", "sip", "irc"} {
		h, err := conntrack.NewHelper(name)
		require.NoError(t, err)

		helpers = append(helpers, h)
	}

	helpers = append(helpers, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		churn := conntrack.NewChurn(f.table, conntrack.ChurnOptions{
			Helpers:     helpers,
			Target:      256,
			ResizeEvery: 100,
			Seed:        3,
		})
		_ = churn.Run(ctx)
	}()

	for w := range runtime.GOMAXPROCS(0) {
		name := []string{"ftp", "sip"}[w%2]

		wg.Add(1)

		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				cur, err := f.reg.Open(name)
				if err != nil {
					t.Errorf("open %s: %v", name, err)

					return
				}

				n := 0
				for range cur.All(0) {
					n++
					if n > 1_000_000 {
						t.Errorf("cursor on %s does not terminate", name)

						break
					}
				}

				cur.Release()
			}
		}()
	}

	wg.Wait()

	tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tcancel()

	require.NoError(t, f.reg.Teardown(tctx))
	require.Zero(t, f.domain.Stats().Readers)
}
