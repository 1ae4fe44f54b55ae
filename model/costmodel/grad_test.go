package costmodel_test

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/sw965/costnet"
	"github.com/sw965/costnet/blas32/vector"
	"github.com/sw965/costnet/model/costmodel"
	orand "github.com/sw965/omw/math/rand"
	"gonum.org/v1/gonum/blas/blas32"
)

// offKinkWeights builds He-initialized weights with every bias pushed
// away from zero. Zero biases park the padded-region pre-activations
// exactly on the rectifier kink, where a ±h central difference
// straddles both slopes and measures neither; the loss must be
// differentiable at every sampled point for the numerical check to be
// meaningful.
func offKinkWeights(rng *rand.Rand) costmodel.Weights {
	w := costmodel.NewHeWeights(rng)
	fill := func(vec blas32.Vector, base float32) {
		for i := range vec.Data {
			vec.Data[i] = base + 0.02*float32(i%7)
		}
	}
	fill(w.Head1Bias, 0.1)
	fill(w.Head2Bias, 0.12)
	fill(w.Bias1, 0.14)
	fill(w.Bias2, 0.16)
	fill(w.Bias3, 0.18)
	fill(w.Bias4, 0.1)
	fill(w.Bias5, 0.12)
	w.Bias6 = 0.15
	return w
}

// 解析的勾配と数値微分を比較する。
// The backward pass is hand-derived; every weight tensor's gradient is
// checked against central differences on a sampled prefix of its
// elements.
func TestAnalyticGrad(t *testing.T) {
	m, err := costmodel.New(unitStats(), 2)
	if err != nil {
		t.Fatal(err)
	}
	rng := orand.NewMt19937()
	numStages := 5
	batchSize := 3
	pf, sf := randomFeatures(rng, batchSize, numStages)
	trueRuntime := vector.NewZeros(batchSize)
	for n := range trueRuntime.Data {
		trueRuntime.Data[n] = rng.Float32()
	}

	tw := costmodel.NewTrainableWeights(offKinkWeights(rng))

	// Train writes the raw batch gradient into SlotGradient without
	// touching Weights, so the same weights feed the numerical check.
	if _, _, err := m.Train(pf, sf, &tw, trueRuntime, 0.01, 0, numStages); err != nil {
		t.Fatal(err)
	}

	lossOf := func([]float32) float32 {
		loss, _, err := m.Loss(pf, sf, &tw.Weights, trueRuntime, numStages)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	const sampleN = 6
	check := func(name string, weightData []float32, ext costmodel.Updated) {
		n := min(sampleN, len(weightData))
		numerical := costnet.NumericalGradient(weightData[:n], lossOf)
		for i, num := range numerical {
			ana := ext.Data[ext.At(i, costmodel.SlotGradient)]
			tol := 1e-3 + 0.05*math32.Abs(num)
			if diff := math32.Abs(ana - num); diff > tol {
				t.Errorf("%s[%d]: analytic %v, numerical %v", name, i, ana, num)
			}
		}
	}

	w, ext := &tw.Weights, &tw.Extended
	check("head1_filter", w.Head1Filter.Data, ext.Head1Filter)
	check("head1_bias", w.Head1Bias.Data, ext.Head1Bias)
	check("head2_filter", w.Head2Filter.Data, ext.Head2Filter)
	check("head2_bias", w.Head2Bias.Data, ext.Head2Bias)
	check("filter1", w.Filter1.Data, ext.Filter1)
	check("bias1", w.Bias1.Data, ext.Bias1)
	check("filter2", w.Filter2.Data, ext.Filter2)
	check("bias2", w.Bias2.Data, ext.Bias2)
	check("filter3", w.Filter3.Data, ext.Filter3)
	check("bias3", w.Bias3.Data, ext.Bias3)
	check("filter4", w.Filter4.Data, ext.Filter4)
	check("bias4", w.Bias4.Data, ext.Bias4)
	check("filter5", w.Filter5.Data, ext.Filter5)
	check("bias5", w.Bias5.Data, ext.Bias5)
	check("filter6", w.Filter6.Data, ext.Filter6)

	// Bias6 is a scalar field, so it goes through a one-element slice
	// copied back before each evaluation.
	b := []float32{w.Bias6}
	numerical := costnet.NumericalGradient(b, func(xs []float32) float32 {
		w.Bias6 = xs[0]
		loss, _, err := m.Loss(pf, sf, w, trueRuntime, numStages)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	})
	w.Bias6 = b[0]
	ana := ext.Bias6.Data[costmodel.SlotGradient]
	tol := 1e-3 + 0.05*math32.Abs(numerical[0])
	if diff := math32.Abs(ana - numerical[0]); diff > tol {
		t.Errorf("bias6: analytic %v, numerical %v", ana, numerical[0])
	}

	// The sampled prefix of filter1 lives in the broadcast half of the
	// first trunk block; its schedule half gets a separate sample from
	// the upper input channels.
	upper := costmodel.Head1Channels * costmodel.ConvSupport
	check("filter1(schedule half)", w.Filter1.Data[upper:], costmodel.Updated{
		Elems: ext.Filter1.Elems - upper,
		Data:  ext.Filter1.Data[4*upper:],
	})
}

// The factored batch reduction of the weight gradients must not depend
// on the worker count.
func TestGradWorkersAgree(t *testing.T) {
	stats := unitStats()
	rng := orand.NewMt19937()
	numStages := 6
	batchSize := 9
	pf, sf := randomFeatures(rng, batchSize, numStages)
	trueRuntime := vector.NewZeros(batchSize)
	for n := range trueRuntime.Data {
		trueRuntime.Data[n] = rng.Float32()
	}
	w := costmodel.NewHeWeights(rng)

	grad := func(workers int) costmodel.UpdatedWeights {
		m, err := costmodel.New(stats, workers)
		if err != nil {
			t.Fatal(err)
		}
		tw := costmodel.NewTrainableWeights(w.Clone())
		if _, _, err := m.Train(pf, sf, &tw, trueRuntime, 0.01, 0, numStages); err != nil {
			t.Fatal(err)
		}
		return tw.Extended
	}

	g1 := grad(1)
	g4 := grad(4)
	pairs := []struct {
		name   string
		a, b   costmodel.Updated
	}{
		{"filter2", g1.Filter2, g4.Filter2},
		{"bias5", g1.Bias5, g4.Bias5},
		{"head2_filter", g1.Head2Filter, g4.Head2Filter},
		{"bias6", g1.Bias6, g4.Bias6},
	}
	for _, p := range pairs {
		for i := 0; i < p.a.Elems; i++ {
			x := p.a.Data[p.a.At(i, costmodel.SlotGradient)]
			y := p.b.Data[p.b.At(i, costmodel.SlotGradient)]
			// The group partials are fixed by the batch size; only the
			// merge order could differ, and it does not.
			if x != y {
				t.Errorf("%s[%d]: 1 worker %v, 4 workers %v", p.name, i, x, y)
			}
		}
	}
}
