package costnet

import (
	"github.com/chewxy/math32"
	"golang.org/x/exp/constraints"
)

// ActivationLeak is the slope of the rectifier on the negative side.
// 勾配が完全に0にならないようにする為、僅かに傾ける。
const ActivationLeak float32 = 1e-5

// StdFloor is the minimum standard deviation used when whitening
// features, so that a constant feature channel does not divide by zero.
const StdFloor float32 = 1e-8

// Activation is the leaky rectifier applied after every convolution:
// max(0, x) + 1e-5*x.
func Activation(x float32) float32 {
	return math32.Max(0, x) + ActivationLeak*x
}

// ActivationGrad is the derivative of Activation, evaluated from the
// activation output y. The sign of y matches the sign of the
// pre-activation input, so the output alone is enough.
func ActivationGrad(y float32) float32 {
	if y > 0 {
		return 1 + ActivationLeak
	}
	return ActivationLeak
}

func NumericalGradient[X constraints.Float](xs []X, f func([]X) X) []X {
	h := X(0.01)
	n := len(xs)
	grad := make([]X, n)
	for i := 0; i < n; i++ {
		tmp := xs[i]
		xs[i] = tmp + h
		y1 := f(xs)

		xs[i] = tmp - h
		y2 := f(xs)

		grad[i] = (y1 - y2) / (h * 2)
		xs[i] = tmp
	}
	return grad
}
