package worker

import (
	"context"

	"github.com/ChuLiYu/searchq/pkg/types"
)

// Evaluator computes the functionals of a point. Implementations fill
// p.FunctionValues in place and may update p.Z and p.Index.
type Evaluator interface {
	// NumberOfFunctions is the number of result slots a claimed point needs.
	NumberOfFunctions() int
	Calculate(ctx context.Context, p *types.Point) error
}

// EvaluatorFunc adapts a plain function to an objective-only Evaluator.
type EvaluatorFunc func(ctx context.Context, p *types.Point) error

func (f EvaluatorFunc) NumberOfFunctions() int { return 1 }

func (f EvaluatorFunc) Calculate(ctx context.Context, p *types.Point) error { return f(ctx, p) }
