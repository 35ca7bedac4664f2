// ============================================================================
// searchq Point Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where a worker gets points from and where results go.
//
// Motivation:
//   The worker loop only needs three store operations. Keeping them behind an
//   interface lets the loop run against *client.Client in production and
//   against scripted sources in tests.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/searchq/pkg/types"
)

// PointSource is the worker's view of the shared store. *client.Client
// implements it.
type PointSource interface {
	// IsTaskActive reports whether the task is still SOLVING. It is the
	// worker's only termination signal.
	IsTaskActive(ctx context.Context) (bool, error)

	// ClaimPoint claims one WAITING point with nFunc empty result slots.
	//
	// Returns:
	//   - *types.Point: the claimed point, or nil when nothing is waiting.
	//   - error: store failure. Not retried by the worker.
	ClaimPoint(ctx context.Context, nFunc int) (*types.Point, error)

	// CompletePoint writes the results of a claimed point.
	CompletePoint(ctx context.Context, p *types.Point) error
}
