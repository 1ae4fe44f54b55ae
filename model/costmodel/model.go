// Package costmodel implements a learned cost model for candidate
// schedules of a computational pipeline: a small convolutional network
// over pipeline-structure features and per-schedule features that
// predicts a scalar runtime per batch instance, with a hand-derived
// backward pass and co-located Adam state for training.
package costmodel

import (
	"fmt"

	"github.com/sw965/costnet/blas32/tensor/3d"
	"github.com/sw965/costnet/blas32/vector"
	"github.com/sw965/costnet/plan"
	"gonum.org/v1/gonum/blas/blas32"
)

// Model owns the whitening statistics, the op graph built once at
// construction, and the execution plan derived from it. Forward and
// training passes are pure functions of their inputs; the model itself
// holds no mutable per-invocation state, so one Model may be shared by
// concurrent callers.
type Model struct {
	Stats Stats

	rt   *plan.Runtime
	plan plan.Plan
}

// New builds the op graph and plans it. workers <= 0 means one worker
// per CPU.
func New(stats Stats, workers int) (*Model, error) {
	if err := stats.Validate(); err != nil {
		return nil, err
	}
	p, err := plan.NewPlan(graphOps())
	if err != nil {
		return nil, err
	}
	return &Model{
		Stats: stats,
		rt:    plan.NewRuntime(workers),
		plan:  p,
	}, nil
}

// Plan exposes the execution decisions, keyed by op name. Adjoint ops
// are named d_<target>, with a $k suffix when a target receives more
// than one contribution.
func (m *Model) Plan() plan.Plan {
	return m.plan
}

func axes(vs ...plan.Var) []plan.Axis {
	a := make([]plan.Axis, len(vs))
	for i, v := range vs {
		a[i] = plan.Axis{Var: v}
	}
	return a
}

func batchAxes(vs ...plan.Var) []plan.Axis {
	a := []plan.Axis{{Var: plan.BatchVar, Extent: plan.BatchExtent()}}
	return append(a, axes(vs...)...)
}

func reduce(v plan.Var, extent int) plan.Axis {
	return plan.Axis{Var: v, Extent: plan.FixedExtent(extent)}
}

// graphOps describes every computation of the forward and backward
// passes. Forward ops are listed; adjoint ops are synthesized from the
// graph's edges with plan.GradOf, so the planner classifies gradient
// computations (including the ones no one writes by hand, like weight
// gradients that reduce over the batch) from structure alone.
func graphOps() []plan.Op {
	stageReduce := plan.Axis{Var: "rw"}

	forward := []plan.Op{
		{Name: "normalized_pipeline_features", Args: axes("c", "j", "s")},
		{Name: "head1_conv", Args: axes("c", "w"),
			Reduces: []plan.Axis{reduce("rx", PipelineFeatureChannels), reduce("ry", PipelineFeatureClasses)}},
		{Name: "head1_relu", Args: axes("c", "w")},
		{Name: "conv1_stage1", Args: axes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", Head1Channels), reduce("rk", ConvSupport)}},

		{Name: "normalized_schedule_features", Args: batchAxes("c", "s")},
		{Name: "head2_conv", Args: batchAxes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", ScheduleFeatureChannels)}},
		{Name: "head2_relu", Args: batchAxes("c", "w")},
		{Name: "conv1_stage2", Args: batchAxes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", Head2Channels), reduce("rk", ConvSupport)}},
		{Name: "relu1", Args: batchAxes("c", "w")},
		{Name: "conv2", Args: batchAxes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", Conv1Channels), reduce("rk", ConvSupport)}},
		{Name: "relu2", Args: batchAxes("c", "w")},
		{Name: "conv3", Args: batchAxes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", Conv2Channels), reduce("rk", ConvSupport)}},
		{Name: "relu3", Args: batchAxes("c", "w")},
		{Name: "pool3", Args: batchAxes("c", "w")},
		{Name: "conv4", Args: batchAxes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", Conv3Channels), reduce("rk", ConvSupport)}},
		{Name: "relu4", Args: batchAxes("c", "w")},
		{Name: "pool4", Args: batchAxes("c", "w")},
		{Name: "conv5", Args: batchAxes("c", "w"),
			Reduces: []plan.Axis{reduce("rc", Conv4Channels), reduce("rk", ConvSupport)}},
		{Name: "relu5", Args: batchAxes("c", "w")},
		{Name: "conv6", Args: batchAxes("w"),
			Reduces: []plan.Axis{reduce("rc", Conv5Channels)}},
		{Name: "relu6", Args: batchAxes("w")},
		{Name: "prediction", Args: batchAxes(), Reduces: []plan.Axis{stageReduce}},
		{Name: "err", Args: batchAxes()},
		{Name: "loss", Reduces: []plan.Axis{{Var: plan.BatchVar, Extent: plan.BatchExtent()}}},
	}

	byName := make(map[string]plan.Op, len(forward))
	for _, o := range forward {
		byName[o.Name] = o
	}

	type edge struct {
		op     string
		target string
		args   []plan.Var
	}
	// One edge per (op, input) pair of the backward pass, most
	// batch-coupled contributions first so their adjoints keep the
	// plain d_<target> names.
	edges := []edge{
		{"loss", "err", []plan.Var{"n"}},
		{"err", "prediction", []plan.Var{"n"}},
		{"prediction", "relu6", []plan.Var{"n", "w"}},
		{"relu6", "conv6", []plan.Var{"n", "w"}},
		{"conv6", "filter6", []plan.Var{"rc"}},
		{"conv6", "bias6", nil},
		{"conv6", "relu5", []plan.Var{"n", "rc", "w"}},
		{"relu5", "conv5", []plan.Var{"n", "c", "w"}},
		{"conv5", "filter5", []plan.Var{"c", "rc", "rk"}},
		{"conv5", "bias5", []plan.Var{"c"}},
		{"conv5", "pool4", []plan.Var{"n", "rc", "w"}},
		{"pool4", "relu4", []plan.Var{"n", "c", "x"}},
		{"relu4", "conv4", []plan.Var{"n", "c", "w"}},
		{"conv4", "filter4", []plan.Var{"c", "rc", "rk"}},
		{"conv4", "bias4", []plan.Var{"c"}},
		{"conv4", "pool3", []plan.Var{"n", "rc", "w"}},
		{"pool3", "relu3", []plan.Var{"n", "c", "x"}},
		{"relu3", "conv3", []plan.Var{"n", "c", "w"}},
		{"conv3", "filter3", []plan.Var{"c", "rc", "rk"}},
		{"conv3", "bias3", []plan.Var{"c"}},
		{"conv3", "relu2", []plan.Var{"n", "rc", "w"}},
		{"relu2", "conv2", []plan.Var{"n", "c", "w"}},
		{"conv2", "filter2", []plan.Var{"c", "rc", "rk"}},
		{"conv2", "bias2", []plan.Var{"c"}},
		{"conv2", "relu1", []plan.Var{"n", "rc", "w"}},
		{"relu1", "conv1_stage2", []plan.Var{"n", "c", "w"}},
		{"conv1_stage2", "filter1", []plan.Var{"c", "rc", "rk"}},
		{"conv1_stage2", "conv1_stage1", []plan.Var{"c", "w"}},
		{"conv1_stage2", "head2_relu", []plan.Var{"n", "rc", "w"}},
		{"head2_relu", "head2_conv", []plan.Var{"n", "c", "w"}},
		{"head2_conv", "head2_filter", []plan.Var{"c", "rc"}},
		{"head2_conv", "head2_bias", []plan.Var{"c"}},
		{"conv1_stage1", "bias1", []plan.Var{"c"}},
		{"conv1_stage1", "filter1", []plan.Var{"c", "rc", "rk"}},
		{"conv1_stage1", "head1_relu", []plan.Var{"rc", "w"}},
		{"head1_relu", "head1_conv", []plan.Var{"c", "w"}},
		{"head1_conv", "head1_filter", []plan.Var{"c", "rx", "ry"}},
		{"head1_conv", "head1_bias", []plan.Var{"c"}},
	}

	ops := forward
	seen := make(map[string]int, len(edges))
	for _, e := range edges {
		g := plan.GradOf(byName[e.op], e.target, e.args)
		if k := seen[g.Name]; k > 0 {
			seen[g.Name] = k + 1
			g.Name = fmt.Sprintf("%s$%d", g.Name, k)
		} else {
			seen[g.Name] = 1
		}
		ops = append(ops, g)
	}
	return ops
}

func validateBatch(sf []blas32.General, trueRuntime blas32.Vector) error {
	if trueRuntime.N != len(sf) {
		return fmt.Errorf("true_runtime: length = %d, want batch_size %d", trueRuntime.N, len(sf))
	}
	return nil
}

// forward runs the whole forward pass: the broadcast half once, the
// per-instance half decomposed over the batch per the plan.
func (m *Model) forward(pf tensor3d.General, sf []blas32.General, w *Weights, numStages int) (broadcastState, []instanceState, error) {
	if err := validateFeatures(pf, sf, numStages); err != nil {
		return broadcastState{}, nil, err
	}
	if err := w.Validate(); err != nil {
		return broadcastState{}, nil, err
	}
	if _, err := m.plan.Get("conv1_stage1", plan.Broadcast); err != nil {
		return broadcastState{}, nil, err
	}
	bc := forwardBroadcast(pf, &m.Stats, w, numStages)

	d, err := m.plan.Get("conv1_stage2", plan.ParallelOverBatch)
	if err != nil {
		return broadcastState{}, nil, err
	}
	states := make([]instanceState, len(sf))
	err = m.rt.ForBatch(d, len(sf), func(n int) error {
		states[n] = forwardInstance(&bc, sf[n], &m.Stats, w, numStages)
		return nil
	})
	if err != nil {
		return broadcastState{}, nil, err
	}
	return bc, states, nil
}

func predictions(states []instanceState) blas32.Vector {
	pred := vector.NewZeros(len(states))
	for n, st := range states {
		pred.Data[n] = st.prediction
	}
	return pred
}

// Predict estimates one runtime per batch instance.
func (m *Model) Predict(pf tensor3d.General, sf []blas32.General, w *Weights, numStages int) (blas32.Vector, error) {
	_, states, err := m.forward(pf, sf, w, numStages)
	if err != nil {
		return blas32.Vector{}, err
	}
	return predictions(states), nil
}

func (m *Model) lossOf(states []instanceState, trueRuntime blas32.Vector) (float32, error) {
	d, err := m.plan.Get("loss", plan.ReduceOverBatch)
	if err != nil {
		return 0.0, err
	}
	batchSize := len(states)
	sum, err := plan.ReduceBatch(m.rt, d, batchSize,
		func() *float32 { return new(float32) },
		func(acc *float32, n int) error {
			delta := states[n].prediction - trueRuntime.Data[n]
			*acc += delta * delta
			return nil
		},
		func(dst, src *float32) { *dst += *src },
	)
	if err != nil {
		return 0.0, err
	}
	return *sum / float32(batchSize), nil
}

// Loss runs the forward pass and returns the mean squared error against
// the measured runtimes, plus the predictions.
func (m *Model) Loss(pf tensor3d.General, sf []blas32.General, w *Weights, trueRuntime blas32.Vector, numStages int) (float32, blas32.Vector, error) {
	if err := validateBatch(sf, trueRuntime); err != nil {
		return 0.0, blas32.Vector{}, err
	}
	_, states, err := m.forward(pf, sf, w, numStages)
	if err != nil {
		return 0.0, blas32.Vector{}, err
	}
	loss, err := m.lossOf(states, trueRuntime)
	if err != nil {
		return 0.0, blas32.Vector{}, err
	}
	return loss, predictions(states), nil
}

// Train runs one training step: forward, loss, full backward, and the
// Adam update. The stepped weights, moment estimates and raw gradients
// are written into tw.Extended; tw.Weights is left untouched, so the
// caller decides between adopting the step (tw.Apply) and shipping the
// raw gradients to an external optimizer. timestep is 0-based.
func (m *Model) Train(pf tensor3d.General, sf []blas32.General, tw *TrainableWeights, trueRuntime blas32.Vector, learningRate float32, timestep int, numStages int) (float32, blas32.Vector, error) {
	if err := validateBatch(sf, trueRuntime); err != nil {
		return 0.0, blas32.Vector{}, err
	}
	if timestep < 0 {
		return 0.0, blas32.Vector{}, fmt.Errorf("timestep = %d, want >= 0", timestep)
	}
	w := &tw.Weights

	bc, states, err := m.forward(pf, sf, w, numStages)
	if err != nil {
		return 0.0, blas32.Vector{}, err
	}
	loss, err := m.lossOf(states, trueRuntime)
	if err != nil {
		return 0.0, blas32.Vector{}, err
	}

	// The weight gradients reduce over the batch; the plan factors them
	// into per-group partial buffers merged after the parallel loop.
	d, err := m.plan.Get("d_filter1", plan.ReduceOverBatch)
	if err != nil {
		return 0.0, blas32.Vector{}, err
	}
	batchSize := len(sf)
	padded := PaddedStages(numStages)
	acc, err := plan.ReduceBatch(m.rt, d, batchSize,
		func() *batchGrad { return newBatchGrad(w, padded) },
		func(acc *batchGrad, n int) error {
			// d loss / d prediction(n) for the squared-error mean.
			dPred := 2.0 * (states[n].prediction - trueRuntime.Data[n]) / float32(batchSize)
			backwardInstance(&states[n], w, dPred, acc)
			return nil
		},
		func(dst, src *batchGrad) { dst.merge(src) },
	)
	if err != nil {
		return 0.0, blas32.Vector{}, err
	}

	if _, err := m.plan.Get("d_bias1", plan.Broadcast); err != nil {
		return 0.0, blas32.Vector{}, err
	}
	backwardBroadcast(&bc, w, acc.dStage1, acc.grads)

	updateWeights(tw, acc.grads, learningRate, timestep)
	return loss, predictions(states), nil
}
