package conntrack

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"runtime"
	"time"
)

const maxChurnBuckets = 1 << 16

// ChurnOptions configure a [Churn] generator.
type ChurnOptions struct {
	// Helpers are attached to new connections at random. A nil element
	// inserts connections without a helper.
	Helpers []*Helper

	// Interval between steps. Zero runs steps back to back, yielding
	// between them.
	Interval time.Duration

	// Target is the connection count the generator hovers around.
	Target int

	// ResizeEvery replaces the bucket array every N steps. Zero disables.
	ResizeEvery int

	// Seed makes the sequence reproducible. Zero seeds from the clock.
	Seed uint64
}

// ChurnStats counts what a generator did.
type ChurnStats struct {
	Inserts  uint64
	Deletes  uint64
	Retags   uint64
	Resizes  uint64
	Failures uint64
}

// Churn mutates a table continuously so readers can be exercised under
// insertion, deletion, helper changes and resizes.
type Churn struct {
	table *Table
	opts  ChurnOptions
	rng   *rand.Rand
	live  []Tuple
	stats ChurnStats
	port  uint16
}

// NewChurn creates a generator for t. It is not safe for concurrent use;
// run one generator per goroutine.
func NewChurn(t *Table, opts ChurnOptions) *Churn {
	if opts.Target <= 0 {
		opts.Target = 64
	}

	if len(opts.Helpers) == 0 {
		opts.Helpers = []*Helper{nil}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Churn{
		table: t,
		opts:  opts,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		port:  1024,
	}
}

// Stats returns the counts so far.
func (c *Churn) Stats() ChurnStats {
	return c.stats
}

// Run steps until ctx is done and returns ctx's error.
func (c *Churn) Run(ctx context.Context) error {
	var tick <-chan time.Time

	if c.opts.Interval > 0 {
		t := time.NewTicker(c.opts.Interval)
		defer t.Stop()

		tick = t.C
	}

	for steps := 1; ; steps++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		} else {
			runtime.Gosched()
		}

		c.Step()

		if c.opts.ResizeEvery > 0 && steps%c.opts.ResizeEvery == 0 {
			c.resize()
		}
	}
}

// Step performs one random mutation.
func (c *Churn) Step() {
	// Insert more often while below target, delete more often above it.
	insertBias := 0.5
	if len(c.live) < c.opts.Target {
		insertBias = 0.75
	} else if len(c.live) > c.opts.Target {
		insertBias = 0.25
	}

	switch r := c.rng.Float64(); {
	case len(c.live) == 0 || r < insertBias*0.8:
		c.insert()
	case r < 0.8:
		c.delete()
	default:
		c.retag()
	}
}

func (c *Churn) insert() {
	c.port++
	if c.port == 0 {
		c.port = 1024
	}

	tuple := Tuple{
		Proto: []Proto{ProtoTCP, ProtoUDP}[c.rng.IntN(2)],
		Src:   netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(c.rng.IntN(256)), byte(1 + c.rng.IntN(254))}), c.port),
		Dst:   netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 0, byte(1 + c.rng.IntN(254))}), []uint16{21, 69, 5060, 6667}[c.rng.IntN(4)]),
	}

	if _, err := c.table.Insert(tuple, c.pickHelper()); err != nil {
		c.stats.Failures++

		return
	}

	c.live = append(c.live, tuple)
	c.stats.Inserts++
}

func (c *Churn) delete() {
	i := c.rng.IntN(len(c.live))
	tuple := c.live[i]

	c.live[i] = c.live[len(c.live)-1]
	c.live = c.live[:len(c.live)-1]

	if err := c.table.Delete(tuple); err != nil {
		c.stats.Failures++

		return
	}

	c.stats.Deletes++
}

func (c *Churn) retag() {
	e, ok := c.table.Lookup(c.live[c.rng.IntN(len(c.live))])
	if !ok {
		c.stats.Failures++

		return
	}

	e.SetHelper(c.pickHelper())
	c.stats.Retags++
}

func (c *Churn) resize() {
	n := c.table.Buckets().Len()
	if (c.rng.IntN(2) == 0 && n > 1) || n >= maxChurnBuckets {
		n /= 2
	} else {
		n *= 2
	}

	if err := c.table.Resize(n); err != nil {
		c.stats.Failures++

		return
	}

	c.stats.Resizes++
}

func (c *Churn) pickHelper() *Helper {
	return c.opts.Helpers[c.rng.IntN(len(c.opts.Helpers))]
}

// String summarizes the stats.
func (s ChurnStats) String() string {
	return fmt.Sprintf("inserts=%d deletes=%d retags=%d resizes=%d failures=%d",
		s.Inserts, s.Deletes, s.Retags, s.Resizes, s.Failures)
}
