package tensor2d

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewOnes(rows, cols int) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = 1.0
	}
	return gen
}

// NewHe draws weights from the He initialization. fanIn is passed
// explicitly because the column count of a filter matrix is not always
// its fan-in.
func NewHe(rows, cols, fanIn int, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

func Axpy(alpha float32, x, y blas32.General) {
	xv := ToVector(x)
	yv := ToVector(y)
	blas32.Axpy(alpha, xv, yv)
}
