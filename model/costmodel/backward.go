package costmodel

import (
	"github.com/sw965/costnet"
	"github.com/sw965/costnet/blas32/tensor/2d"
	"github.com/sw965/costnet/blas32/tensor/3d"
	"github.com/sw965/costnet/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// activateBackward turns an adjoint of an activation output into the
// adjoint of its input, in place: dy *= Activation'(relu output).
func activateBackward(dy, relu blas32.General) {
	for i, y := range relu.Data {
		dy.Data[i] *= costnet.ActivationGrad(y)
	}
}

// addRowSums accumulates dBias(c) += Σ_w dOut(c, w): the adjoint of
// broadcasting a bias along the stage axis.
func addRowSums(dOut blas32.General, dBias blas32.Vector) {
	for c := 0; c < dOut.Rows; c++ {
		base := c * dOut.Stride
		var sum float32
		for w := 0; w < dOut.Cols; w++ {
			sum += dOut.Data[base+w]
		}
		dBias.Data[c] += sum
	}
}

// convBackwardWeights accumulates the filter adjoint of convAccumulate:
//
//	dF(c, ciOff+ci, k) += Σ_w dOut(c,w) · in(ci, w+k-1)
func convBackwardWeights(dOut, in blas32.General, ciOff int, dF tensor3d.General) {
	support := dF.Cols
	for c := 0; c < dOut.Rows; c++ {
		outBase := c * dOut.Stride
		fBase := c*dF.ChannelStride + ciOff*dF.RowStride
		for ci := 0; ci < in.Rows; ci++ {
			inBase := ci * in.Stride
			fRow := fBase + ci*dF.RowStride
			for k := 0; k < support; k++ {
				shift := k - 1
				lo := max(0, -shift)
				hi := min(dOut.Cols, in.Cols-shift)
				var sum float32
				for w := lo; w < hi; w++ {
					sum += dOut.Data[outBase+w] * in.Data[inBase+w+shift]
				}
				dF.Data[fRow+k] += sum
			}
		}
	}
}

// convBackwardData is the adjoint of convAccumulate with respect to the
// convolution input: dIn(ci, x) = Σ_{c,k} f(c, ciOff+ci, k) · dOut(c, x+1-k).
func convBackwardData(f tensor3d.General, ciOff, inChannels int, dOut blas32.General) blas32.General {
	dIn := tensor2d.NewZeros(inChannels, dOut.Cols)
	support := f.Cols
	for c := 0; c < dOut.Rows; c++ {
		outBase := c * dOut.Stride
		fBase := c*f.ChannelStride + ciOff*f.RowStride
		for ci := 0; ci < inChannels; ci++ {
			inBase := ci * dIn.Stride
			fRow := fBase + ci*f.RowStride
			for k := 0; k < support; k++ {
				fv := f.Data[fRow+k]
				shift := k - 1
				lo := max(0, shift)
				hi := min(dIn.Cols, dOut.Cols+shift)
				for x := lo; x < hi; x++ {
					dIn.Data[inBase+x] += fv * dOut.Data[outBase+x-shift]
				}
			}
		}
	}
	return dIn
}

// pool1DBackward routes the pooled adjoint back to the input positions.
// Each input position feeds exactly one window because consecutive
// windows {2w-1, 2w} are disjoint.
func pool1DBackward(dOut blas32.General, inCols int) blas32.General {
	dIn := tensor2d.NewZeros(dOut.Rows, inCols)
	for c := 0; c < dOut.Rows; c++ {
		outBase := c * dOut.Stride
		inBase := c * dIn.Stride
		for x := 0; x < inCols; x++ {
			w := (x + 1) / 2
			if w < dOut.Cols {
				dIn.Data[inBase+x] = 0.5 * dOut.Data[outBase+w]
			}
		}
	}
	return dIn
}

// batchGrad is one group's partial accumulator for the
// reduction-over-batch computations: the weight gradients and the
// adjoint of conv1_stage1, which the broadcast backward consumes after
// the partials are merged.
type batchGrad struct {
	grads   *GradBuffer
	dStage1 blas32.General // (48, padded)
}

func newBatchGrad(w *Weights, padded int) *batchGrad {
	return &batchGrad{
		grads:   w.NewGradZerosLike(),
		dStage1: tensor2d.NewZeros(Conv1Channels, padded),
	}
}

func (b *batchGrad) merge(src *batchGrad) {
	b.grads.Axpy(1.0, src.grads)
	tensor2d.Axpy(1.0, src.dStage1, b.dStage1)
}

// backwardInstance accumulates one batch instance's contribution to
// every weight gradient, walking the forward graph in reverse. dPred is
// the loss adjoint of this instance's prediction.
func backwardInstance(st *instanceState, w *Weights, dPred float32, acc *batchGrad) {
	g := acc.grads

	// prediction(n) = Σ_w relu6(n, w)
	dConv6 := vector.NewZeros(st.relu6.N)
	for i, y := range st.relu6.Data {
		dConv6.Data[i] = dPred * costnet.ActivationGrad(y)
	}
	g.Bias6 += vector.Sum(dConv6)
	blas32.Gemv(blas.NoTrans, 1.0, st.relu5, dConv6, 1.0, g.Filter6)

	// dRelu5(c, w) = filter6(c) · dConv6(w)
	dRelu5 := tensor2d.NewZeros(st.relu5.Rows, st.relu5.Cols)
	blas32.Ger(1.0, w.Filter6, dConv6, dRelu5)

	activateBackward(dRelu5, st.relu5)
	dConv5 := dRelu5
	addRowSums(dConv5, g.Bias5)
	convBackwardWeights(dConv5, st.pool4, 0, g.Filter5)
	dPool4 := convBackwardData(w.Filter5, 0, Conv4Channels, dConv5)

	dRelu4 := pool1DBackward(dPool4, st.relu4.Cols)
	activateBackward(dRelu4, st.relu4)
	dConv4 := dRelu4
	addRowSums(dConv4, g.Bias4)
	convBackwardWeights(dConv4, st.pool3, 0, g.Filter4)
	dPool3 := convBackwardData(w.Filter4, 0, Conv3Channels, dConv4)

	dRelu3 := pool1DBackward(dPool3, st.relu3.Cols)
	activateBackward(dRelu3, st.relu3)
	dConv3 := dRelu3
	addRowSums(dConv3, g.Bias3)
	convBackwardWeights(dConv3, st.relu2, 0, g.Filter3)
	dRelu2 := convBackwardData(w.Filter3, 0, Conv2Channels, dConv3)

	activateBackward(dRelu2, st.relu2)
	dConv2 := dRelu2
	addRowSums(dConv2, g.Bias2)
	convBackwardWeights(dConv2, st.relu1, 0, g.Filter2)
	dRelu1 := convBackwardData(w.Filter2, 0, Conv1Channels, dConv2)

	activateBackward(dRelu1, st.relu1)
	dConv1 := dRelu1

	// The pipeline-side half of conv1 (its bias and lower filter
	// channels) is broadcast across the batch, so its adjoint is a
	// reduction over the batch: accumulate it here, finish it in
	// backwardBroadcast once the partials are merged.
	tensor2d.Axpy(1.0, dConv1, acc.dStage1)

	convBackwardWeights(dConv1, st.head2Relu, Head1Channels, g.Filter1)
	dHead2Relu := convBackwardData(w.Filter1, Head1Channels, Head2Channels, dConv1)

	activateBackward(dHead2Relu, st.head2Relu)
	dHead2Conv := dHead2Relu
	addRowSums(dHead2Conv, g.Head2Bias)
	// dHead2Filter(c, ci) += Σ_w dHead2Conv(c, w) · nsf(ci, w)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, dHead2Conv, st.nsf, 1.0, g.Head2Filter)
}

// backwardBroadcast finishes the batch-independent tail of the backward
// pass from the merged conv1_stage1 adjoint.
func backwardBroadcast(bc *broadcastState, w *Weights, dStage1 blas32.General, g *GradBuffer) {
	addRowSums(dStage1, g.Bias1)
	convBackwardWeights(dStage1, bc.head1Relu, 0, g.Filter1)
	dHead1Relu := convBackwardData(w.Filter1, 0, Head1Channels, dStage1)

	activateBackward(dHead1Relu, bc.head1Relu)
	dHead1Conv := dHead1Relu
	addRowSums(dHead1Conv, g.Head1Bias)
	// dHead1Filter(c, x, y) += Σ_w dHead1Conv(c, w) · npf(x, y, w)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, dHead1Conv, bc.npf.JoinOuter(), 1.0, g.Head1Filter.JoinInner())
}
