package costmodel

import (
	"testing"

	"github.com/chewxy/math32"
)

// At timestep 0 the bias corrections cancel the moment scaling exactly:
// m̂ = g, v̂ = g², so the step is lr·g/(|g|+ε).
func TestAdamStepFirst(t *testing.T) {
	w := []float32{1.0, -2.0, 0.5}
	g := []float32{0.5, -0.25, 0.0}
	ext := NewUpdated(len(w))
	lr := float32(0.1)

	adamStep(w, g, ext, lr, 0)

	for i := range w {
		want := w[i] - lr*g[i]/(math32.Abs(g[i])+adamEpsilon)
		got := ext.Data[ext.At(i, SlotWeight)]
		if diff := math32.Abs(got - want); diff > 1e-5 {
			t.Errorf("weight[%d] = %v, want %v", i, got, want)
		}
		if got := ext.Data[ext.At(i, SlotGradient)]; got != g[i] {
			t.Errorf("gradient[%d] = %v, want %v", i, got, g[i])
		}
		if got, want := ext.Data[ext.At(i, SlotFirstMoment)], 0.1*g[i]; got != want {
			t.Errorf("first moment[%d] = %v, want %v", i, got, want)
		}
		if got, want := ext.Data[ext.At(i, SlotSecondMoment)], 0.001*g[i]*g[i]; got != want {
			t.Errorf("second moment[%d] = %v, want %v", i, got, want)
		}
	}

	// A zero gradient must leave the weight untouched.
	if got := ext.Data[ext.At(2, SlotWeight)]; got != w[2] {
		t.Errorf("zero gradient moved the weight: %v -> %v", w[2], got)
	}
	// The inputs themselves are not modified.
	if w[0] != 1.0 || g[0] != 0.5 {
		t.Errorf("inputs modified: w[0] = %v, g[0] = %v", w[0], g[0])
	}
}

// The moment slots written by one step are the prior moments of the
// next; nothing outside ext carries state.
func TestAdamStepCarriesState(t *testing.T) {
	w := []float32{1.0}
	g1 := []float32{0.5}
	g2 := []float32{-0.3}
	ext := NewUpdated(1)
	lr := float32(0.01)

	adamStep(w, g1, ext, lr, 0)
	m1 := ext.Data[ext.At(0, SlotFirstMoment)]
	v1 := ext.Data[ext.At(0, SlotSecondMoment)]
	w1 := ext.Data[ext.At(0, SlotWeight)]

	adamStep([]float32{w1}, g2, ext, lr, 1)

	wantM := adamBeta1*m1 + 0.1*g2[0]
	wantV := adamBeta2*v1 + 0.001*g2[0]*g2[0]
	if got := ext.Data[ext.At(0, SlotFirstMoment)]; got != wantM {
		t.Errorf("first moment = %v, want %v", got, wantM)
	}
	if got := ext.Data[ext.At(0, SlotSecondMoment)]; got != wantV {
		t.Errorf("second moment = %v, want %v", got, wantV)
	}

	firstCorrection := 1 - math32.Pow(adamBeta1, 2)
	secondCorrection := 1 - math32.Pow(adamBeta2, 2)
	wantStep := lr * (wantM / firstCorrection) / (math32.Sqrt(wantV/secondCorrection) + adamEpsilon)
	if got := ext.Data[ext.At(0, SlotWeight)]; got != w1-wantStep {
		t.Errorf("weight = %v, want %v", got, w1-wantStep)
	}
}

func TestApplyAdoptsSlotWeight(t *testing.T) {
	w := NewZeroWeights()
	tw := NewTrainableWeights(w)
	tw.Extended.Bias1.Data[tw.Extended.Bias1.At(7, SlotWeight)] = 3.5
	tw.Extended.Bias6.Data[SlotWeight] = -1.25

	tw.Apply()
	if got := tw.Weights.Bias1.Data[7]; got != 3.5 {
		t.Errorf("bias1[7] = %v, want 3.5", got)
	}
	if got := tw.Weights.Bias6; got != -1.25 {
		t.Errorf("bias6 = %v, want -1.25", got)
	}
}
