// Package plan decides how each computation of the cost model is
// decomposed for parallel execution over the batch axis. Ops are
// described by the axes they are indexed and reduced over; the
// classification is purely structural, so computations synthesized by
// the backward pass are planned the same way as hand-written ones.
package plan

import (
	"fmt"
	"slices"
)

// Var names an axis a computation is indexed or reduced over.
type Var string

// BatchVar is the axis indexing batch instances.
const BatchVar Var = "n"

// Extent is the size of an axis. The batch extent is only known at
// invocation time, so it is kept symbolic.
type Extent struct {
	Fixed int
	Batch bool
}

func FixedExtent(n int) Extent {
	return Extent{Fixed: n}
}

func BatchExtent() Extent {
	return Extent{Batch: true}
}

// Axis is a named axis with its extent.
type Axis struct {
	Var    Var
	Extent Extent
}

// Op describes one computation: the axes its output is indexed by and
// the domains it reduces over.
type Op struct {
	Name    string
	Args    []Axis
	Reduces []Axis
}

// GradOf synthesizes the descriptor of the adjoint accumulation of a
// forward op into one of its inputs (a weight tensor or an earlier op).
// The adjoint is indexed by the target's axes; every axis of the forward
// op the target does not share becomes a reduction axis of the same
// extent. A weight consumed by a batch-indexed op therefore acquires a
// reduction over the batch, without anyone enumerating that by hand.
func GradOf(f Op, target string, targetArgs []Var) Op {
	g := Op{Name: "d_" + target}
	for _, v := range targetArgs {
		ax := Axis{Var: v}
		for _, fa := range f.Args {
			if fa.Var == v {
				ax = fa
			}
		}
		g.Args = append(g.Args, ax)
	}
	for _, fa := range f.Args {
		if !slices.ContainsFunc(targetArgs, func(v Var) bool { return v == fa.Var }) {
			g.Reduces = append(g.Reduces, fa)
		}
	}
	return g
}

type Kind int

const (
	Broadcast Kind = iota
	ParallelOverBatch
	ReduceOverBatch
)

func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case ParallelOverBatch:
		return "parallel_over_batch"
	case ReduceOverBatch:
		return "reduce_over_batch"
	}
	return "unknown"
}

// BatchGroup is the granularity of parallelism over the batch axis.
const BatchGroup = 8

// VectorWidth is the vectorization granularity of partial accumulators.
const VectorWidth = 8

// Decision is the execution policy assigned to one op.
type Decision struct {
	Kind        Kind
	GroupSize   int
	VectorWidth int
}

// Classify assigns a decision from the op's structure alone: a reduction
// whose extent equals the batch size is factored into per-group partial
// sums; an op indexed by the batch axis runs with the batch outermost in
// parallel groups; everything else is computed once, independent of the
// batch.
func Classify(o Op) Decision {
	for _, r := range o.Reduces {
		if r.Extent.Batch {
			return Decision{Kind: ReduceOverBatch, GroupSize: BatchGroup, VectorWidth: VectorWidth}
		}
	}
	for _, a := range o.Args {
		if a.Var == BatchVar {
			return Decision{Kind: ParallelOverBatch, GroupSize: BatchGroup}
		}
	}
	return Decision{Kind: Broadcast}
}

// Plan maps op names to their execution decisions.
type Plan map[string]Decision

func NewPlan(ops []Op) (Plan, error) {
	p := make(Plan, len(ops))
	for _, o := range ops {
		if _, ok := p[o.Name]; ok {
			return nil, fmt.Errorf("duplicate op name: %s", o.Name)
		}
		p[o.Name] = Classify(o)
	}
	return p, nil
}

// Get returns the decision for name, requiring the expected kind. A
// mismatch means the executing code and the planner disagree about the
// op's structure, which is a bug, so it fails fast.
func (p Plan) Get(name string, want Kind) (Decision, error) {
	d, ok := p[name]
	if !ok {
		return Decision{}, fmt.Errorf("unplanned op: %s", name)
	}
	if d.Kind != want {
		return Decision{}, fmt.Errorf("op %s is %v, executor expected %v", name, d.Kind, want)
	}
	return d, nil
}
