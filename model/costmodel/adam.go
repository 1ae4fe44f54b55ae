package costmodel

import (
	"github.com/chewxy/math32"
)

const (
	adamBeta1   float32 = 0.9
	adamBeta2   float32 = 0.999
	adamEpsilon float32 = 1e-8
)

// adamStep writes all four training outputs for one weight tensor. The
// prior moments are read from ext's own moment slots, so ext carries
// the optimizer state across steps. timestep is 0-based; the bias
// corrections are finite at t=0 because 0.9^1 != 1.
func adamStep(w, g []float32, ext Updated, learningRate float32, timestep int) {
	t := float32(timestep + 1)
	firstCorrection := 1 - math32.Pow(adamBeta1, t)
	secondCorrection := 1 - math32.Pow(adamBeta2, t)

	for i, gi := range g {
		m := adamBeta1*ext.Data[ext.At(i, SlotFirstMoment)] + 0.1*gi
		v := adamBeta2*ext.Data[ext.At(i, SlotSecondMoment)] + 0.001*gi*gi

		step := learningRate * (m / firstCorrection) /
			(math32.Sqrt(v/secondCorrection) + adamEpsilon)

		ext.Data[ext.At(i, SlotWeight)] = w[i] - step
		ext.Data[ext.At(i, SlotFirstMoment)] = m
		ext.Data[ext.At(i, SlotSecondMoment)] = v
		ext.Data[ext.At(i, SlotGradient)] = gi
	}
}

// updateWeights runs the Adam step for all 16 weight tensors.
func updateWeights(tw *TrainableWeights, grad *GradBuffer, learningRate float32, timestep int) {
	w, ext := &tw.Weights, &tw.Extended
	adamStep(w.Head1Filter.Data, grad.Head1Filter.Data, ext.Head1Filter, learningRate, timestep)
	adamStep(w.Head1Bias.Data, grad.Head1Bias.Data, ext.Head1Bias, learningRate, timestep)
	adamStep(w.Head2Filter.Data, grad.Head2Filter.Data, ext.Head2Filter, learningRate, timestep)
	adamStep(w.Head2Bias.Data, grad.Head2Bias.Data, ext.Head2Bias, learningRate, timestep)
	adamStep(w.Filter1.Data, grad.Filter1.Data, ext.Filter1, learningRate, timestep)
	adamStep(w.Bias1.Data, grad.Bias1.Data, ext.Bias1, learningRate, timestep)
	adamStep(w.Filter2.Data, grad.Filter2.Data, ext.Filter2, learningRate, timestep)
	adamStep(w.Bias2.Data, grad.Bias2.Data, ext.Bias2, learningRate, timestep)
	adamStep(w.Filter3.Data, grad.Filter3.Data, ext.Filter3, learningRate, timestep)
	adamStep(w.Bias3.Data, grad.Bias3.Data, ext.Bias3, learningRate, timestep)
	adamStep(w.Filter4.Data, grad.Filter4.Data, ext.Filter4, learningRate, timestep)
	adamStep(w.Bias4.Data, grad.Bias4.Data, ext.Bias4, learningRate, timestep)
	adamStep(w.Filter5.Data, grad.Filter5.Data, ext.Filter5, learningRate, timestep)
	adamStep(w.Bias5.Data, grad.Bias5.Data, ext.Bias5, learningRate, timestep)
	adamStep(w.Filter6.Data, grad.Filter6.Data, ext.Filter6, learningRate, timestep)
	adamStep([]float32{w.Bias6}, []float32{grad.Bias6}, ext.Bias6, learningRate, timestep)
}
