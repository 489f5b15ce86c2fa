package domain

import "context"

// PositionRepository persists the full position table. The store writes the
// whole table after every mutation; the state is small and full-table writes
// keep crash recovery simple.
type PositionRepository interface {
	// Load returns the persisted table. Implementations degrade to an empty
	// table (with a logged warning) when the stored state is malformed.
	Load(ctx context.Context) ([]Position, error)
	Save(ctx context.Context, positions []Position) error
}
