// Package types defines the core domain model shared by the coordinator,
// the workers and every store implementation.
package types

import (
	"fmt"
	"time"
)

// TaskID is the store-assigned task identifier.
type TaskID int64

// PointID is the store-assigned point identifier.
type PointID int64

// TaskState is the lifecycle state of a task.
type TaskState int

// Task states. SOLVED and ERROR are terminal.
const (
	TaskSolving TaskState = 1 // coordinator is running, workers keep polling
	TaskSolved  TaskState = 2 // stop condition reached
	TaskError   TaskState = 3 // coordinator failed, workers must exit
)

func (s TaskState) String() string {
	switch s {
	case TaskSolving:
		return "solving"
	case TaskSolved:
		return "solved"
	case TaskError:
		return "error"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s TaskState) Terminal() bool {
	return s == TaskSolved || s == TaskError
}

// PointState is the lifecycle state of a point. The numeric order is the
// lifecycle order, so "state < PointCalculated" selects unfinished points.
type PointState int

// Point states, strictly forward.
const (
	PointWaiting     PointState = 0 // inserted, visible to claims
	PointCalculating PointState = 1 // claimed by exactly one worker
	PointCalculated  PointState = 2 // results attached, visible to drain
	PointComplete    PointState = 3 // consumed by the coordinator
)

func (s PointState) String() string {
	switch s {
	case PointWaiting:
		return "waiting"
	case PointCalculating:
		return "calculating"
	case PointCalculated:
		return "calculated"
	case PointComplete:
		return "complete"
	default:
		return fmt.Sprintf("PointState(%d)", int(s))
	}
}

// Next returns the only legal successor state.
func (s PointState) Next() (PointState, bool) {
	if s < PointWaiting || s >= PointComplete {
		return s, false
	}
	return s + 1, true
}

// FunctionType tells objectives and constraints apart.
type FunctionType int

const (
	FunctionObjective  FunctionType = 1
	FunctionConstraint FunctionType = 2
)

func (t FunctionType) String() string {
	switch t {
	case FunctionObjective:
		return "objective"
	case FunctionConstraint:
		return "constraint"
	default:
		return fmt.Sprintf("FunctionType(%d)", int(t))
	}
}

// FunctionValue is one evaluation result slot of a point.
type FunctionValue struct {
	Type       FunctionType `json:"type"`
	FunctionID int          `json:"function_id"`
	Value      float64      `json:"value"`
}

// Task is one run of the optimization search.
type Task struct {
	ID    TaskID    `json:"id"`
	Name  string    `json:"name"`
	State TaskState `json:"state"`
}

// Point is a candidate input awaiting or holding evaluation results.
//
// X is the scalar position produced by the reduction mapping, Index the
// sub-interval/constraint bookkeeping index and Z the best known value.
// Variables never change after insertion; Index, Z and FunctionValues are
// written once, when the worker completes the point.
type Point struct {
	ID                PointID         `json:"id"`
	TaskID            TaskID          `json:"task_id"`
	X                 float64         `json:"x"`
	Index             int             `json:"index"`
	Z                 float64         `json:"z"`
	State             PointState      `json:"state"`
	FloatVariables    []float64       `json:"float_variables"`
	DiscreteVariables []string        `json:"discrete_variables,omitempty"`
	FunctionValues    []FunctionValue `json:"function_values,omitempty"`
	Worker            string          `json:"worker,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Point) Clone() *Point {
	if p == nil {
		return nil
	}
	c := *p
	c.FloatVariables = append([]float64(nil), p.FloatVariables...)
	c.DiscreteVariables = append([]string(nil), p.DiscreteVariables...)
	c.FunctionValues = append([]FunctionValue(nil), p.FunctionValues...)
	return &c
}

// EmptyResults returns n zero-valued objective slots for a worker to fill.
func EmptyResults(n int) []FunctionValue {
	out := make([]FunctionValue, n)
	for i := range out {
		out[i] = FunctionValue{Type: FunctionObjective}
	}
	return out
}

// TaskStats counts the points of a task per state.
type TaskStats struct {
	Waiting     int `json:"waiting"`
	Calculating int `json:"calculating"`
	Calculated  int `json:"calculated"`
	Complete    int `json:"complete"`
}

// Unfinished is the number of points still before CALCULATED.
func (s TaskStats) Unfinished() int {
	return s.Waiting + s.Calculating
}

// Total is the number of points of the task.
func (s TaskStats) Total() int {
	return s.Waiting + s.Calculating + s.Calculated + s.Complete
}

// Solution is the coordinator-side result snapshot handed to listeners.
type Solution struct {
	BestPoint  *Point        `json:"best_point,omitempty"`
	Iterations int           `json:"iterations"`
	Trials     int           `json:"trials"`
	Elapsed    time.Duration `json:"elapsed"`
}
