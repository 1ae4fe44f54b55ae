package costmodel

import (
	"fmt"
	"math/rand"

	"github.com/sw965/costnet/blas32/tensor/2d"
	"github.com/sw965/costnet/blas32/tensor/3d"
	"github.com/sw965/costnet/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

// Weights holds the 16 learnable tensors of the model. In inference
// mode they are pure inputs; training co-locates the optimizer state in
// a TrainableWeights wrapper instead of branching on a mode flag.
type Weights struct {
	Head1Filter tensor3d.General // (24, 56, 7)
	Head1Bias   blas32.Vector    // (24)
	Head2Filter blas32.General   // (24, 26)
	Head2Bias   blas32.Vector    // (24)
	Filter1     tensor3d.General // (48, 48, 3); input channels 0..23 from head 1, 24..47 from head 2
	Bias1       blas32.Vector    // (48)
	Filter2     tensor3d.General // (48, 48, 3)
	Bias2       blas32.Vector    // (48)
	Filter3     tensor3d.General // (96, 48, 3)
	Bias3       blas32.Vector    // (96)
	Filter4     tensor3d.General // (120, 96, 3)
	Bias4       blas32.Vector    // (120)
	Filter5     tensor3d.General // (168, 120, 3)
	Bias5       blas32.Vector    // (168)
	Filter6     blas32.Vector    // (168)
	Bias6       float32
}

func NewZeroWeights() Weights {
	return Weights{
		Head1Filter: tensor3d.NewZeros(Head1Channels, PipelineFeatureChannels, PipelineFeatureClasses),
		Head1Bias:   vector.NewZeros(Head1Channels),
		Head2Filter: tensor2d.NewZeros(Head2Channels, ScheduleFeatureChannels),
		Head2Bias:   vector.NewZeros(Head2Channels),
		Filter1:     tensor3d.NewZeros(Conv1Channels, Head1Channels+Head2Channels, ConvSupport),
		Bias1:       vector.NewZeros(Conv1Channels),
		Filter2:     tensor3d.NewZeros(Conv2Channels, Conv1Channels, ConvSupport),
		Bias2:       vector.NewZeros(Conv2Channels),
		Filter3:     tensor3d.NewZeros(Conv3Channels, Conv2Channels, ConvSupport),
		Bias3:       vector.NewZeros(Conv3Channels),
		Filter4:     tensor3d.NewZeros(Conv4Channels, Conv3Channels, ConvSupport),
		Bias4:       vector.NewZeros(Conv4Channels),
		Filter5:     tensor3d.NewZeros(Conv5Channels, Conv4Channels, ConvSupport),
		Bias5:       vector.NewZeros(Conv5Channels),
		Filter6:     vector.NewZeros(Conv5Channels),
		Bias6:       0.0,
	}
}

// NewHeWeights initializes every filter with He-scaled gaussians and
// every bias with zero, so tests and callers can build non-degenerate
// weights without an external weight file.
func NewHeWeights(rng *rand.Rand) Weights {
	w := NewZeroWeights()
	w.Head1Filter = tensor3d.NewHe(Head1Channels, PipelineFeatureChannels, PipelineFeatureClasses, rng)
	w.Head2Filter = tensor2d.NewHe(Head2Channels, ScheduleFeatureChannels, ScheduleFeatureChannels, rng)
	w.Filter1 = tensor3d.NewHe(Conv1Channels, Head1Channels+Head2Channels, ConvSupport, rng)
	w.Filter2 = tensor3d.NewHe(Conv2Channels, Conv1Channels, ConvSupport, rng)
	w.Filter3 = tensor3d.NewHe(Conv3Channels, Conv2Channels, ConvSupport, rng)
	w.Filter4 = tensor3d.NewHe(Conv4Channels, Conv3Channels, ConvSupport, rng)
	w.Filter5 = tensor3d.NewHe(Conv5Channels, Conv4Channels, ConvSupport, rng)
	w.Filter6 = vector.NewHe(Conv5Channels, Conv5Channels, rng)
	return w
}

func (w *Weights) Clone() Weights {
	return Weights{
		Head1Filter: w.Head1Filter.Clone(),
		Head1Bias:   vector.Clone(w.Head1Bias),
		Head2Filter: tensor2d.Clone(w.Head2Filter),
		Head2Bias:   vector.Clone(w.Head2Bias),
		Filter1:     w.Filter1.Clone(),
		Bias1:       vector.Clone(w.Bias1),
		Filter2:     w.Filter2.Clone(),
		Bias2:       vector.Clone(w.Bias2),
		Filter3:     w.Filter3.Clone(),
		Bias3:       vector.Clone(w.Bias3),
		Filter4:     w.Filter4.Clone(),
		Bias4:       vector.Clone(w.Bias4),
		Filter5:     w.Filter5.Clone(),
		Bias5:       vector.Clone(w.Bias5),
		Filter6:     vector.Clone(w.Filter6),
		Bias6:       w.Bias6,
	}
}

func check3d(name string, got tensor3d.General, chs, rows, cols int) error {
	if got.Channels != chs || got.Rows != rows || got.Cols != cols {
		return fmt.Errorf("%s: shape = (%d,%d,%d), want (%d,%d,%d)",
			name, got.Channels, got.Rows, got.Cols, chs, rows, cols)
	}
	return nil
}

func check2d(name string, got blas32.General, rows, cols int) error {
	if got.Rows != rows || got.Cols != cols {
		return fmt.Errorf("%s: shape = (%d,%d), want (%d,%d)", name, got.Rows, got.Cols, rows, cols)
	}
	return nil
}

func check1d(name string, got blas32.Vector, n int) error {
	if got.N != n {
		return fmt.Errorf("%s: length = %d, want %d", name, got.N, n)
	}
	return nil
}

// Validate fails fast on any tensor whose shape does not match the
// fixed layer widths.
func (w *Weights) Validate() error {
	checks := []error{
		check3d("head1_filter", w.Head1Filter, Head1Channels, PipelineFeatureChannels, PipelineFeatureClasses),
		check1d("head1_bias", w.Head1Bias, Head1Channels),
		check2d("head2_filter", w.Head2Filter, Head2Channels, ScheduleFeatureChannels),
		check1d("head2_bias", w.Head2Bias, Head2Channels),
		check3d("filter1", w.Filter1, Conv1Channels, Head1Channels+Head2Channels, ConvSupport),
		check1d("bias1", w.Bias1, Conv1Channels),
		check3d("filter2", w.Filter2, Conv2Channels, Conv1Channels, ConvSupport),
		check1d("bias2", w.Bias2, Conv2Channels),
		check3d("filter3", w.Filter3, Conv3Channels, Conv2Channels, ConvSupport),
		check1d("bias3", w.Bias3, Conv3Channels),
		check3d("filter4", w.Filter4, Conv4Channels, Conv3Channels, ConvSupport),
		check1d("bias4", w.Bias4, Conv4Channels),
		check3d("filter5", w.Filter5, Conv5Channels, Conv4Channels, ConvSupport),
		check1d("bias5", w.Bias5, Conv5Channels),
		check1d("filter6", w.Filter6, Conv5Channels),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// GradBuffer accumulates loss gradients, one tensor per weight.
type GradBuffer struct {
	Head1Filter tensor3d.General
	Head1Bias   blas32.Vector
	Head2Filter blas32.General
	Head2Bias   blas32.Vector
	Filter1     tensor3d.General
	Bias1       blas32.Vector
	Filter2     tensor3d.General
	Bias2       blas32.Vector
	Filter3     tensor3d.General
	Bias3       blas32.Vector
	Filter4     tensor3d.General
	Bias4       blas32.Vector
	Filter5     tensor3d.General
	Bias5       blas32.Vector
	Filter6     blas32.Vector
	Bias6       float32
}

func (w *Weights) NewGradZerosLike() *GradBuffer {
	return &GradBuffer{
		Head1Filter: tensor3d.NewZerosLike(w.Head1Filter),
		Head1Bias:   vector.NewZerosLike(w.Head1Bias),
		Head2Filter: tensor2d.NewZerosLike(w.Head2Filter),
		Head2Bias:   vector.NewZerosLike(w.Head2Bias),
		Filter1:     tensor3d.NewZerosLike(w.Filter1),
		Bias1:       vector.NewZerosLike(w.Bias1),
		Filter2:     tensor3d.NewZerosLike(w.Filter2),
		Bias2:       vector.NewZerosLike(w.Bias2),
		Filter3:     tensor3d.NewZerosLike(w.Filter3),
		Bias3:       vector.NewZerosLike(w.Bias3),
		Filter4:     tensor3d.NewZerosLike(w.Filter4),
		Bias4:       vector.NewZerosLike(w.Bias4),
		Filter5:     tensor3d.NewZerosLike(w.Filter5),
		Bias5:       vector.NewZerosLike(w.Bias5),
		Filter6:     vector.NewZerosLike(w.Filter6),
		Bias6:       0.0,
	}
}

// Axpy folds another buffer in: g += alpha*x. Used to merge the
// per-group partial sums of the batched reduction; the element loops go
// through BLAS so the merge is vectorized.
func (g *GradBuffer) Axpy(alpha float32, x *GradBuffer) {
	g.Head1Filter.Axpy(alpha, x.Head1Filter)
	blas32.Axpy(alpha, x.Head1Bias, g.Head1Bias)
	tensor2d.Axpy(alpha, x.Head2Filter, g.Head2Filter)
	blas32.Axpy(alpha, x.Head2Bias, g.Head2Bias)
	g.Filter1.Axpy(alpha, x.Filter1)
	blas32.Axpy(alpha, x.Bias1, g.Bias1)
	g.Filter2.Axpy(alpha, x.Filter2)
	blas32.Axpy(alpha, x.Bias2, g.Bias2)
	g.Filter3.Axpy(alpha, x.Filter3)
	blas32.Axpy(alpha, x.Bias3, g.Bias3)
	g.Filter4.Axpy(alpha, x.Filter4)
	blas32.Axpy(alpha, x.Bias4, g.Bias4)
	g.Filter5.Axpy(alpha, x.Filter5)
	blas32.Axpy(alpha, x.Bias5, g.Bias5)
	blas32.Axpy(alpha, x.Filter6, g.Filter6)
	g.Bias6 += alpha * x.Bias6
}
