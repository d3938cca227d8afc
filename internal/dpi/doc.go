// Package dpi keeps, per network namespace, a registry of named handles over
// that namespace's connection table.
//
// # Basic Usage
//
//	m := dpi.NewManager(domain, fs, dpi.Options{})
//	reg, _ := m.Create(ctx, id, table)
//	h, _ := reg.Register(ctx, "ftp")
//
//	cur, _ := h.Open()
//	defer cur.Release()
//
//	for ord, e := range cur.All(0) {
//		fmt.Println(ord, e.Tuple())
//	}
//
// # Lifecycle
//
// A handle is linked into its registry (Active), unlinked by Unregister or
// Teardown (Removed), and destroyed on the reclamation domain once every
// reader that could still see it has left (Reclaimed). Destruction closes
// the handle's file and drops its namespace reference.
//
// Registering links the handle first and creates its file afterwards,
// outside the registry lock. A failed file creation unlinks the handle
// again before Register returns.
//
// # Cursors
//
// A [Cursor] walks the connection table's buckets in index order. Each
// bucket chain ends in a sentinel naming its bucket. Reaching a sentinel
// for a different bucket means the chain was moved by a resize; the cursor
// then continues from the bucket the sentinel names, in the current array.
// Entries may be skipped or repeated across such a restart.
package dpi
