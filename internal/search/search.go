// ============================================================================
// searchq Search - one-dimensional information-statistical global search
// ============================================================================
//
// Package: internal/search
// File: search.go
// Purpose: Reference coordinator.Method. Minimizes a Lipschitz objective on
//          [Lower, Upper] by repeatedly splitting the interval with the
//          highest characteristic.
//
// Search data:
//   Trials are kept sorted by their normalized coordinate x in [0, 1]. The
//   interval i spans items[i-1] and items[i]; its right item is the
//   predecessor handed to the coordinator and stays blocked while the new
//   trial inside the interval is being evaluated.
//
// Iteration:
//   M  = max |z_r - z_l| / Δ over all intervals, Δ = x_r - x_l
//   m  = r·M, or 1 when M is zero
//   R  = mΔ + (z_r - z_l)² / (mΔ) - 2(z_r + z_l)
//   x' = (x_r + x_l)/2 - (z_r - z_l)/(2m)   in the unblocked interval of max R
//
// Stop:
//   iterations >= ItersLimit, or the last selected interval is shorter
//   than Eps.
//
// ============================================================================

package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/internal/worker"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// Seed strategies.
const (
	SeedLocal = "local" // seed trials are evaluated in the coordinator
	SeedStore = "store" // seed trials go through the queue to the workers
)

const (
	DefaultR          = 2.0
	DefaultEps        = 1e-4
	DefaultItersLimit = 200
	DefaultSeedPoints = 3
)

// ErrForeignPredecessor is returned when a trial is folded back with a
// predecessor this method did not issue.
var ErrForeignPredecessor = errors.New("search: predecessor was not issued by this method")

// Config parameterizes a Method.
type Config struct {
	Lower, Upper float64
	// R is the reliability parameter, > 1.
	R          float64
	Eps        float64
	ItersLimit int
	// Seed selects how the seed trials are evaluated.
	Seed string
	// SeedPoints is the number of interior seed trials; both bounds are
	// always evaluated.
	SeedPoints int
	// Local evaluates seed trials when Seed is SeedLocal.
	Local worker.Evaluator
	// PollInterval is used while waiting for store-evaluated seeds.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.R == 0 {
		c.R = DefaultR
	}
	if c.Eps == 0 {
		c.Eps = DefaultEps
	}
	if c.ItersLimit == 0 {
		c.ItersLimit = DefaultItersLimit
	}
	if c.Seed == "" {
		c.Seed = SeedLocal
	}
	if c.SeedPoints == 0 {
		c.SeedPoints = DefaultSeedPoints
	}
}

func (c Config) validate() error {
	switch {
	case !(c.Lower < c.Upper):
		return fmt.Errorf("search: empty range [%g, %g]", c.Lower, c.Upper)
	case c.R <= 1:
		return fmt.Errorf("search: r must be greater than 1, got %g", c.R)
	case c.Eps <= 0:
		return fmt.Errorf("search: eps must be positive, got %g", c.Eps)
	case c.ItersLimit < 0:
		return fmt.Errorf("search: iters limit must not be negative, got %d", c.ItersLimit)
	case c.SeedPoints < 0:
		return fmt.Errorf("search: seed points must not be negative, got %d", c.SeedPoints)
	case c.Seed != SeedLocal && c.Seed != SeedStore:
		return fmt.Errorf("search: unknown seed strategy %q", c.Seed)
	case c.Seed == SeedLocal && c.Local == nil:
		return errors.New("search: local seeding needs an evaluator")
	}
	return nil
}

// item is one trial in the search data. It is the coordinator.Predecessor
// of the interval it closes on the right.
type item struct {
	x       float64
	z       float64
	point   *types.Point
	blocked bool
}

func (it *item) SetBlocked(b bool) { it.blocked = b }

// Method is the global search. It is driven by one coordinator goroutine;
// the mutex only guards Results against concurrent listeners.
type Method struct {
	cfg Config

	mu         sync.Mutex
	items      []*item
	best       *types.Point
	iterations int
	lastDelta  float64
}

var _ coordinator.Method = (*Method)(nil)

// New validates cfg and returns a method ready for FirstIteration.
func New(cfg Config) (*Method, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Method{cfg: cfg, lastDelta: math.Inf(1)}, nil
}

func (m *Method) toPoint(x float64) *types.Point {
	v := m.cfg.Lower + x*(m.cfg.Upper-m.cfg.Lower)
	return &types.Point{X: x, FloatVariables: []float64{v}}
}

// FirstIteration evaluates both bounds and SeedPoints evenly spaced interior
// trials, locally or through eval depending on the seed strategy.
func (m *Method) FirstIteration(ctx context.Context, eval coordinator.BatchEvaluator) ([]*types.Point, error) {
	n := m.cfg.SeedPoints + 2
	seeds := make([]*types.Point, 0, n)
	for i := 0; i < n; i++ {
		seeds = append(seeds, m.toPoint(float64(i)/float64(n-1)))
	}

	switch m.cfg.Seed {
	case SeedLocal:
		for _, p := range seeds {
			p.FunctionValues = types.EmptyResults(m.cfg.Local.NumberOfFunctions())
			if err := m.cfg.Local.Calculate(ctx, p); err != nil {
				return nil, fmt.Errorf("seed evaluation at x=%g: %w", p.X, err)
			}
		}
	case SeedStore:
		if eval == nil {
			return nil, errors.New("search: store seeding needs a batch evaluator")
		}
		leftovers, err := eval.EvaluateBatch(ctx, seeds, m.cfg.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("seed evaluation: %w", err)
		}
		// Results of an earlier run of the task drained with the seeds.
		for _, p := range leftovers {
			if len(p.FunctionValues) > 0 {
				seeds = append(seeds, p)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range seeds {
		if len(p.FunctionValues) == 0 {
			return nil, fmt.Errorf("search: seed at x=%g came back without results", p.X)
		}
		m.insert(&item{x: p.X, z: p.FunctionValues[0].Value, point: p})
		m.updateOptimum(p)
	}
	return seeds, nil
}

// CalculateIterationPoint selects the unblocked interval of highest
// characteristic and returns the new trial inside it with the interval's
// right item as predecessor. It returns a nil point when every interval is
// blocked.
func (m *Method) CalculateIterationPoint() (*types.Point, coordinator.Predecessor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) < 2 {
		return nil, nil, errors.New("search: no search data, first iteration has not run")
	}

	mu := m.lipschitz()
	best, bestR := -1, math.Inf(-1)
	for i := 1; i < len(m.items); i++ {
		right := m.items[i]
		if right.blocked {
			continue
		}
		left := m.items[i-1]
		delta := right.x - left.x
		if delta <= 0 {
			continue
		}
		dz := right.z - left.z
		r := mu*delta + dz*dz/(mu*delta) - 2*(right.z+left.z)
		if r > bestR {
			best, bestR = i, r
		}
	}
	if best < 0 {
		return nil, nil, nil
	}

	left, right := m.items[best-1], m.items[best]
	x := (right.x+left.x)/2 - (right.z-left.z)/(2*mu)
	m.lastDelta = right.x - left.x
	return m.toPoint(x), right, nil
}

// lipschitz returns m = r·M over the current search data.
func (m *Method) lipschitz() float64 {
	maxSlope := 0.0
	for i := 1; i < len(m.items); i++ {
		delta := m.items[i].x - m.items[i-1].x
		if delta <= 0 {
			continue
		}
		if s := math.Abs(m.items[i].z-m.items[i-1].z) / delta; s > maxSlope {
			maxSlope = s
		}
	}
	if maxSlope == 0 {
		return 1
	}
	return m.cfg.R * maxSlope
}

func (m *Method) UpdateOptimum(p *types.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateOptimum(p)
}

func (m *Method) updateOptimum(p *types.Point) {
	if len(p.FunctionValues) == 0 {
		return
	}
	if m.best == nil || p.FunctionValues[0].Value < m.best.FunctionValues[0].Value {
		m.best = p.Clone()
	}
}

// RenewSearchData inserts the evaluated trial into the search data. pred
// must be nil or a predecessor returned by CalculateIterationPoint.
func (m *Method) RenewSearchData(p *types.Point, pred coordinator.Predecessor) error {
	if pred != nil {
		if _, ok := pred.(*item); !ok {
			return ErrForeignPredecessor
		}
	}
	if len(p.FunctionValues) == 0 {
		return fmt.Errorf("search: point %d has no results", p.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(&item{x: p.X, z: p.FunctionValues[0].Value, point: p.Clone()})
	return nil
}

func (m *Method) insert(it *item) {
	i := sort.Search(len(m.items), func(i int) bool { return m.items[i].x > it.x })
	m.items = append(m.items, nil)
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = it
}

func (m *Method) FinalizeIteration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations++
}

func (m *Method) CheckStopCondition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations >= m.cfg.ItersLimit || m.lastDelta < m.cfg.Eps
}

func (m *Method) Results() types.Solution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.Solution{
		BestPoint:  m.best.Clone(),
		Iterations: m.iterations,
		Trials:     len(m.items),
	}
}

// Trials returns a copy of the evaluated trials sorted by x.
func (m *Method) Trials() []*types.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Point, len(m.items))
	for i, it := range m.items {
		out[i] = it.point.Clone()
	}
	return out
}
