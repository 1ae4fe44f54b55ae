package plan_test

import (
	"testing"

	"github.com/sw965/costnet/plan"
)

func TestClassify(t *testing.T) {
	broadcast := plan.Op{
		Name: "head1_conv",
		Args: []plan.Axis{{Var: "c"}, {Var: "w"}},
		Reduces: []plan.Axis{
			{Var: "rx", Extent: plan.FixedExtent(56)},
		},
	}
	if d := plan.Classify(broadcast); d.Kind != plan.Broadcast {
		t.Errorf("%s: kind = %v, want %v", broadcast.Name, d.Kind, plan.Broadcast)
	}

	parallel := plan.Op{
		Name: "conv2",
		Args: []plan.Axis{{Var: plan.BatchVar, Extent: plan.BatchExtent()}, {Var: "c"}, {Var: "w"}},
		Reduces: []plan.Axis{
			{Var: "rc", Extent: plan.FixedExtent(48)},
		},
	}
	d := plan.Classify(parallel)
	if d.Kind != plan.ParallelOverBatch {
		t.Errorf("%s: kind = %v, want %v", parallel.Name, d.Kind, plan.ParallelOverBatch)
	}
	if d.GroupSize != plan.BatchGroup {
		t.Errorf("%s: group size = %d, want %d", parallel.Name, d.GroupSize, plan.BatchGroup)
	}

	reduces := plan.Op{
		Name:    "loss",
		Reduces: []plan.Axis{{Var: plan.BatchVar, Extent: plan.BatchExtent()}},
	}
	d = plan.Classify(reduces)
	if d.Kind != plan.ReduceOverBatch {
		t.Errorf("%s: kind = %v, want %v", reduces.Name, d.Kind, plan.ReduceOverBatch)
	}
	if d.GroupSize != plan.BatchGroup || d.VectorWidth != plan.VectorWidth {
		t.Errorf("%s: decision = %+v", reduces.Name, d)
	}
}

// A weight consumed by a batch-indexed op must come out of GradOf with
// a reduction over the batch, without anyone writing that down.
func TestGradOfWeight(t *testing.T) {
	conv := plan.Op{
		Name: "conv2",
		Args: []plan.Axis{{Var: plan.BatchVar, Extent: plan.BatchExtent()}, {Var: "c"}, {Var: "w"}},
		Reduces: []plan.Axis{
			{Var: "rc", Extent: plan.FixedExtent(48)},
			{Var: "rk", Extent: plan.FixedExtent(3)},
		},
	}
	g := plan.GradOf(conv, "filter2", []plan.Var{"c", "rc", "rk"})
	if g.Name != "d_filter2" {
		t.Errorf("name = %s", g.Name)
	}
	if d := plan.Classify(g); d.Kind != plan.ReduceOverBatch {
		t.Errorf("kind = %v, want %v", d.Kind, plan.ReduceOverBatch)
	}

	// The adjoint of a batch-indexed input stays parallel over the batch.
	g = plan.GradOf(conv, "relu1", []plan.Var{"n", "rc", "w"})
	if d := plan.Classify(g); d.Kind != plan.ParallelOverBatch {
		t.Errorf("kind = %v, want %v", d.Kind, plan.ParallelOverBatch)
	}
}

func TestPlanGetKindMismatch(t *testing.T) {
	p, err := plan.NewPlan([]plan.Op{
		{Name: "relu1", Args: []plan.Axis{{Var: plan.BatchVar}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get("relu1", plan.ParallelOverBatch); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := p.Get("relu1", plan.Broadcast); err == nil {
		t.Errorf("kind mismatch not reported")
	}
	if _, err := p.Get("nope", plan.Broadcast); err == nil {
		t.Errorf("missing op not reported")
	}
}

func TestForBatchCoversEveryElement(t *testing.T) {
	rt := plan.NewRuntime(4)
	d := plan.Decision{Kind: plan.ParallelOverBatch, GroupSize: plan.BatchGroup}
	for _, batchSize := range []int{1, 7, 8, 9, 16, 17} {
		visits := make([]int32, batchSize)
		err := rt.ForBatch(d, batchSize, func(n int) error {
			visits[n]++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		for n, v := range visits {
			if v != 1 {
				t.Errorf("batch %d: element %d visited %d times", batchSize, n, v)
			}
		}
	}
}

// The factored reduction must produce the same total for any batch size,
// remainders included. Small integers sum exactly in float32, so the
// comparison is exact.
func TestReduceBatchPartitioning(t *testing.T) {
	d := plan.Decision{Kind: plan.ReduceOverBatch, GroupSize: plan.BatchGroup, VectorWidth: plan.VectorWidth}
	for _, batchSize := range []int{7, 8, 9, 16, 17} {
		var want float32
		for n := 0; n < batchSize; n++ {
			want += float32(n + 1)
		}
		for _, workers := range []int{1, 3, 8} {
			rt := plan.NewRuntime(workers)
			got, err := plan.ReduceBatch(rt, d, batchSize,
				func() *float32 { return new(float32) },
				func(acc *float32, n int) error {
					*acc += float32(n + 1)
					return nil
				},
				func(dst, src *float32) { *dst += *src },
			)
			if err != nil {
				t.Fatal(err)
			}
			if *got != want {
				t.Errorf("batch %d, workers %d: sum = %v, want %v", batchSize, workers, *got, want)
			}
		}
	}
}

func TestReduceBatchRequiresReduceKind(t *testing.T) {
	rt := plan.NewRuntime(1)
	d := plan.Decision{Kind: plan.ParallelOverBatch, GroupSize: 8}
	_, err := plan.ReduceBatch(rt, d, 4,
		func() *float32 { return new(float32) },
		func(acc *float32, n int) error { return nil },
		func(dst, src *float32) {},
	)
	if err == nil {
		t.Errorf("kind mismatch not reported")
	}
}
