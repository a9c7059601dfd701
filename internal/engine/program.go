package engine

import (
	"context"

	"github.com/ChuLiYu/falcon-gas/pkg/types"
)

// Program is the pluggable, intentionally thin vertex-program interface the
// engine drives. Gather/Apply/Scatter mirror the GAS model spec.md names in
// its purpose statement, but their bodies are explicitly a Non-goal —
// falcon-gas ships only NoOpProgram, plus the test doubles in pool_test.go.
type Program interface {
	// Gather reads whatever neighbour state item's program needs.
	Gather(ctx context.Context, item types.WorkItem) error
	// Apply updates item's vertex state from the gathered data.
	Apply(ctx context.Context, item types.WorkItem) error
	// Scatter pushes updated state to neighbours and returns any follow-on
	// work items it generated — a non-empty result means more work is
	// pending and the pool is not yet idle.
	Scatter(ctx context.Context, item types.WorkItem) ([]types.WorkItem, error)
}

// NoOpProgram performs no work and scatters nothing; it exists so a bare
// engine.Pool can be exercised (and its idle/done wiring tested) without a
// real vertex program, which spec.md places out of scope.
type NoOpProgram struct{}

func (NoOpProgram) Gather(ctx context.Context, item types.WorkItem) error { return nil }
func (NoOpProgram) Apply(ctx context.Context, item types.WorkItem) error  { return nil }
func (NoOpProgram) Scatter(ctx context.Context, item types.WorkItem) ([]types.WorkItem, error) {
	return nil, nil
}
