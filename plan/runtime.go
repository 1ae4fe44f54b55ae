package plan

import (
	"fmt"
	"runtime"

	"github.com/sw965/omw/parallel"
)

// Runtime executes decisions with a fixed worker count. The zero value
// is not usable; construct with NewRuntime.
type Runtime struct {
	workers int
}

func NewRuntime(workers int) *Runtime {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Runtime{workers: workers}
}

func (rt *Runtime) groups(d Decision, batchSize int) (groupSize, numGroups int) {
	groupSize = d.GroupSize
	if groupSize <= 0 {
		groupSize = 1
	}
	numGroups = (batchSize + groupSize - 1) / groupSize
	return groupSize, numGroups
}

// ForBatch runs fn for every batch element with the batch axis
// outermost, split into groups of d.GroupSize executed in parallel.
func (rt *Runtime) ForBatch(d Decision, batchSize int, fn func(n int) error) error {
	if d.Kind != ParallelOverBatch {
		return fmt.Errorf("ForBatch requires a %v decision, got %v", ParallelOverBatch, d.Kind)
	}
	gs, groups := rt.groups(d, batchSize)
	p := min(rt.workers, groups)
	return parallel.For(groups, p, func(workerId, g int) error {
		hi := min((g+1)*gs, batchSize)
		for n := g * gs; n < hi; n++ {
			if err := fn(n); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReduceBatch factors a reduction over the batch into independent
// partial accumulators, one per group of d.GroupSize elements, computed
// in parallel and then merged. The merge must be associative and
// order-independent up to floating-point rounding; bitwise
// reproducibility across worker counts is not promised.
func ReduceBatch[A any](rt *Runtime, d Decision, batchSize int,
	newAccum func() A,
	accumulate func(acc A, n int) error,
	merge func(dst, src A),
) (A, error) {
	var zero A
	if d.Kind != ReduceOverBatch {
		return zero, fmt.Errorf("ReduceBatch requires a %v decision, got %v", ReduceOverBatch, d.Kind)
	}
	gs, groups := rt.groups(d, batchSize)
	accs := make([]A, groups)
	for i := range accs {
		accs[i] = newAccum()
	}
	p := min(rt.workers, groups)
	err := parallel.For(groups, p, func(workerId, g int) error {
		acc := accs[g]
		hi := min((g+1)*gs, batchSize)
		for n := g * gs; n < hi; n++ {
			if err := accumulate(acc, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	for _, src := range accs[1:] {
		merge(accs[0], src)
	}
	return accs[0], nil
}
