// Package rcu provides epoch-based deferred reclamation for read-mostly
// data structures.
//
// Readers bracket their access with [Domain.Read] and [Guard.Unlock]. Both
// are wait-free and never touch a mutex. Writers unlink an object from the
// structure readers walk, then hand its destructor to [Domain.Call]. The
// destructor runs on the domain's worker goroutine once every reader that
// could have observed the object has left its read section (a grace period).
//
// # Basic Usage
//
//	d := rcu.New(rcu.Options{})
//	defer d.Close(ctx)
//
//	// Reader
//	g := d.Read()
//	v := table.Lookup(key)
//	use(v)
//	g.Unlock()
//
//	// Writer
//	table.Unlink(key)
//	d.Call(func() { v.release() })
//
// # Grace Periods
//
// The domain keeps a global epoch and two reader counters indexed by epoch
// parity. A reader increments the counter for the parity it observed and
// re-checks the epoch, backing out and retrying if a flip raced in. A grace
// period flips the epoch twice, each time waiting for the previous parity's
// counter to drain. After the second drain no reader that entered before the
// grace period started can still be inside its section.
//
// # Concurrency
//
// Read and Unlock are safe from any goroutine. [Domain.Synchronize],
// [Domain.Barrier] and [Domain.Close] block; calling them while holding a
// Guard from the same domain deadlocks.
package rcu
