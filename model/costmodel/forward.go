package costmodel

import (
	"github.com/sw965/costnet"
	"github.com/sw965/costnet/blas32/tensor/2d"
	"github.com/sw965/costnet/blas32/tensor/3d"
	"github.com/sw965/costnet/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// newBiased allocates a (bias.N × cols) matrix with every column
// initialized to the bias, ready to accumulate a convolution into.
func newBiased(bias blas32.Vector, cols int) blas32.General {
	out := tensor2d.NewZeros(bias.N, cols)
	for c := 0; c < bias.N; c++ {
		row := out.Data[c*out.Stride : c*out.Stride+cols]
		b := bias.Data[c]
		for i := range row {
			row[i] = b
		}
	}
	return out
}

// convAccumulate adds a support-3 stage convolution into out:
//
//	out(c, w) += Σ_{ci,k} f(c, ciOff+ci, k) · in(ci, w+k-1)
//
// treating in as zero outside its stage extent. ciOff selects the slice
// of input channels of f, which is how the two fused heads share one
// filter tensor in the first trunk block.
func convAccumulate(f tensor3d.General, ciOff int, in, out blas32.General) {
	support := f.Cols
	for c := 0; c < out.Rows; c++ {
		fBase := c*f.ChannelStride + ciOff*f.RowStride
		outBase := c * out.Stride
		for ci := 0; ci < in.Rows; ci++ {
			fRow := fBase + ci*f.RowStride
			inBase := ci * in.Stride
			for k := 0; k < support; k++ {
				fv := f.Data[fRow+k]
				shift := k - 1
				lo := max(0, -shift)
				hi := min(out.Cols, in.Cols-shift)
				for w := lo; w < hi; w++ {
					out.Data[outBase+w] += fv * in.Data[inBase+w+shift]
				}
			}
		}
	}
}

func activate(x blas32.General) blas32.General {
	y := tensor2d.Clone(x)
	for i, v := range y.Data {
		y.Data[i] = costnet.Activation(v)
	}
	return y
}

func activateVector(x blas32.Vector) blas32.Vector {
	y := vector.Clone(x)
	for i, v := range y.Data {
		y.Data[i] = costnet.Activation(v)
	}
	return y
}

// pool1D halves the stage axis: out(c,w) = 0.5·(in(c,2w-1) + in(c,2w)),
// reading zero outside the input extent. The window sits one position
// left of a plain 2:1 downsample; the offset is deliberate and the
// backward pass depends on it.
func pool1D(in blas32.General, outW int) blas32.General {
	out := tensor2d.NewZeros(in.Rows, outW)
	for c := 0; c < in.Rows; c++ {
		inBase := c * in.Stride
		outBase := c * out.Stride
		for w := 0; w < outW; w++ {
			var sum float32
			if x := 2*w - 1; x >= 0 && x < in.Cols {
				sum += in.Data[inBase+x]
			}
			if x := 2 * w; x < in.Cols {
				sum += in.Data[inBase+x]
			}
			out.Data[outBase+w] = 0.5 * sum
		}
	}
	return out
}

// broadcastState is the batch-independent half of the forward pass: the
// whitened pipeline features, head 1, and the pipeline-side partial sum
// of the first trunk block, shared by every batch instance.
type broadcastState struct {
	npf         tensor3d.General // (56, 7, padded)
	head1Relu   blas32.General   // (24, padded)
	conv1Stage1 blas32.General   // (48, padded)
}

func forwardBroadcast(pf tensor3d.General, stats *Stats, w *Weights, numStages int) broadcastState {
	padded := PaddedStages(numStages)
	npf := normalizePipelineFeatures(pf, stats.PipelineMean, stats.PipelineStd, numStages)

	// head1_conv(c, w) = head1_bias(c) + Σ_{x,y} head1_filter(c,x,y)·npf(x,y,w),
	// a full reduction over both feature axes, expressed as one Gemm on
	// the flattened views.
	head1Conv := newBiased(w.Head1Bias, padded)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, w.Head1Filter.JoinInner(), npf.JoinOuter(), 1.0, head1Conv)
	head1Relu := activate(head1Conv)

	conv1Stage1 := newBiased(w.Bias1, padded)
	convAccumulate(w.Filter1, 0, head1Relu, conv1Stage1)

	return broadcastState{
		npf:         npf,
		head1Relu:   head1Relu,
		conv1Stage1: conv1Stage1,
	}
}

// instanceState keeps every intermediate of one batch instance's
// forward pass that the backward pass reads.
type instanceState struct {
	nsf        blas32.General // (26, padded)
	head2Relu  blas32.General // (24, padded)
	relu1      blas32.General // (48, padded)
	relu2      blas32.General // (48, padded)
	relu3      blas32.General // (96, padded)
	pool3      blas32.General // (96, padded/2+1)
	relu4      blas32.General // (120, padded/2+1)
	pool4      blas32.General // (120, (padded+6)/4)
	relu5      blas32.General // (168, (padded+6)/4)
	relu6      blas32.Vector  // ((padded+6)/4)
	prediction float32
}

func forwardInstance(bc *broadcastState, sf blas32.General, stats *Stats, w *Weights, numStages int) instanceState {
	padded := PaddedStages(numStages)
	pool3W := Pool3Extent(padded)
	pool4W := Pool4Extent(padded)

	nsf := normalizeScheduleFeatures(sf, stats.ScheduleMean, stats.ScheduleStd, numStages)

	// head2_conv(c, w) = head2_bias(c) + Σ_ci head2_filter(c,ci)·nsf(ci,w)
	head2Conv := newBiased(w.Head2Bias, padded)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, w.Head2Filter, nsf, 1.0, head2Conv)
	head2Relu := activate(head2Conv)

	// The first trunk block fuses the heads: the pipeline-side partial
	// sum is broadcast from the shared state, the schedule-side half
	// accumulates on top through filter1's upper input channels.
	conv1 := tensor2d.Clone(bc.conv1Stage1)
	convAccumulate(w.Filter1, Head1Channels, head2Relu, conv1)
	relu1 := activate(conv1)

	conv2 := newBiased(w.Bias2, padded)
	convAccumulate(w.Filter2, 0, relu1, conv2)
	relu2 := activate(conv2)

	conv3 := newBiased(w.Bias3, padded)
	convAccumulate(w.Filter3, 0, relu2, conv3)
	relu3 := activate(conv3)

	pool3 := pool1D(relu3, pool3W)

	conv4 := newBiased(w.Bias4, pool3W)
	convAccumulate(w.Filter4, 0, pool3, conv4)
	relu4 := activate(conv4)

	pool4 := pool1D(relu4, pool4W)

	conv5 := newBiased(w.Bias5, pool4W)
	convAccumulate(w.Filter5, 0, pool4, conv5)
	relu5 := activate(conv5)

	// conv6 has no spatial support: a per-stage weighted sum over the
	// trunk's channels plus the scalar bias.
	conv6 := vector.NewZeros(pool4W)
	for i := range conv6.Data {
		conv6.Data[i] = w.Bias6
	}
	blas32.Gemv(blas.Trans, 1.0, relu5, w.Filter6, 1.0, conv6)
	relu6 := activateVector(conv6)

	return instanceState{
		nsf:        nsf,
		head2Relu:  head2Relu,
		relu1:      relu1,
		relu2:      relu2,
		relu3:      relu3,
		pool3:      pool3,
		relu4:      relu4,
		pool4:      pool4,
		relu5:      relu5,
		relu6:      relu6,
		prediction: vector.Sum(relu6),
	}
}
