package problems

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/searchq/pkg/types"
)

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		p, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
		assert.Less(t, p.Lower, p.Upper)
		assert.InDelta(t, p.Minimum, p.Objective(p.Minimizer), 1e-4, name)
	}

	_, err := Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownProblem)
}

func TestNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"quadratic", "rastrigin", "sinsum"}, Names())
}

func TestEvaluator(t *testing.T) {
	p, err := Lookup("quadratic")
	require.NoError(t, err)
	ev := p.Evaluator()
	assert.Equal(t, 1, ev.NumberOfFunctions())

	pt := &types.Point{FloatVariables: []float64{0.5}, FunctionValues: types.EmptyResults(1), Index: 7}
	require.NoError(t, ev.Calculate(context.Background(), pt))
	assert.InDelta(t, 0.04, pt.FunctionValues[0].Value, 1e-12)
	assert.Equal(t, types.FunctionObjective, pt.FunctionValues[0].Type)
	assert.InDelta(t, 0.04, pt.Z, 1e-12)
	assert.Equal(t, 0, pt.Index)

	bad := &types.Point{FloatVariables: []float64{1, 2}}
	assert.Error(t, ev.Calculate(context.Background(), bad))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ev.Calculate(ctx, &types.Point{FloatVariables: []float64{0}}), context.Canceled)
}
