package chainstate

import "github.com/cockroachdb/errors"

// Errors returned by chain-state-level invariant checks. These are protocol
// violations per spec.md §7: never recovered locally, always fatal to the
// block under evaluation.
var (
	ErrInvariant = errors.New("chainstate: invariant violated")
)

func errInvariant(name string, want, got uint64) error {
	return errors.Wrapf(ErrInvariant, "%s: want %d, got %d", name, want, got)
}
