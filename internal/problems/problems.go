// Package problems is the registry of objective functions the workers
// evaluate. Coordinator and workers resolve the same name from config.
package problems

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ChuLiYu/searchq/internal/worker"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// ErrUnknownProblem is returned by Lookup for an unregistered name.
var ErrUnknownProblem = errors.New("problems: unknown problem")

// Problem is a one-dimensional objective on [Lower, Upper].
type Problem struct {
	Name         string
	Lower, Upper float64
	Objective    func(x float64) float64
	// Minimizer and Minimum are the known global optimum, for reporting.
	Minimizer, Minimum float64
}

var registry = map[string]Problem{
	"rastrigin": {
		Name:  "rastrigin",
		Lower: -2.2, Upper: 1.8,
		Objective: func(x float64) float64 {
			return 10 + x*x - 10*math.Cos(2*math.Pi*x)
		},
		Minimizer: 0, Minimum: 0,
	},
	"sinsum": {
		Name:  "sinsum",
		Lower: 2.7, Upper: 7.5,
		Objective: func(x float64) float64 {
			return math.Sin(x) + math.Sin(10*x/3)
		},
		Minimizer: 5.145735, Minimum: -1.899599,
	},
	"quadratic": {
		Name:  "quadratic",
		Lower: -1, Upper: 1,
		Objective: func(x float64) float64 {
			return (x - 0.3) * (x - 0.3)
		},
		Minimizer: 0.3, Minimum: 0,
	},
}

// Lookup returns the problem registered under name.
func Lookup(name string) (Problem, error) {
	p, ok := registry[name]
	if !ok {
		return Problem{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProblem, name, Names())
	}
	return p, nil
}

// Names lists the registered problems in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluator returns the worker-side evaluator of p. It reads the decision
// variable from FloatVariables[0].
func (p Problem) Evaluator() worker.Evaluator {
	return evaluator{p}
}

type evaluator struct {
	p Problem
}

func (e evaluator) NumberOfFunctions() int { return 1 }

func (e evaluator) Calculate(ctx context.Context, pt *types.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pt.FloatVariables) != 1 {
		return fmt.Errorf("%s: expected 1 float variable, got %d", e.p.Name, len(pt.FloatVariables))
	}
	if len(pt.FunctionValues) == 0 {
		pt.FunctionValues = types.EmptyResults(1)
	}
	v := e.p.Objective(pt.FloatVariables[0])
	pt.FunctionValues[0] = types.FunctionValue{Type: types.FunctionObjective, FunctionID: 0, Value: v}
	pt.Z = v
	pt.Index = 0
	return nil
}
