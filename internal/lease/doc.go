// Package lease holds the per-site job leases that keep at most one capture
// job in flight per site. The memory locker serves a single process; the
// redis locker serializes across replicas.
package lease

import "errors"

// ErrLeaseLost means the lease expired or was taken over before it could be
// extended or released.
var ErrLeaseLost = errors.New("lease lost")
