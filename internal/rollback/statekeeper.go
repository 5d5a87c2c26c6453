package rollback

import "context"

// StateKeeper is the external collaborator C9 drives through §6.1's
// consumed interface: "the state keeper must drop all in-memory state for
// batches > N and persist that truncation before returning. Idempotent."
// The state keeper itself, the Merkle tree and the state-keeper caches are
// out of scope for this core (§1); this is the narrow seam the rollback
// executor calls through rather than reimplementing any of it.
type StateKeeper interface {
	RollbackToBatch(ctx context.Context, n int64) error
}

// NoopStateKeeper is used where no external state keeper is wired (tests,
// a watcher-only deployment with no attached L2 node).
type NoopStateKeeper struct{}

// RollbackToBatch does nothing; Executor still truncates its own
// tables.
func (NoopStateKeeper) RollbackToBatch(ctx context.Context, n int64) error { return nil }
