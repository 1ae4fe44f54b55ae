package vector

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(n int) blas32.Vector {
	return blas32.Vector{
		N:    n,
		Inc:  1,
		Data: make([]float32, n),
	}
}

func NewZerosLike(vec blas32.Vector) blas32.Vector {
	return NewZeros(vec.N)
}

func NewOnes(n int) blas32.Vector {
	vec := NewZeros(n)
	for i := range vec.Data {
		vec.Data[i] = 1.0
	}
	return vec
}

// NewGaussian fills a vector with N(0, std²) samples.
func NewGaussian(n int, std float64, rng *rand.Rand) blas32.Vector {
	vec := NewZeros(n)
	for i := range vec.Data {
		vec.Data[i] = float32(rng.NormFloat64() * std)
	}
	return vec
}

// NewHe draws from the He initialization for a layer with the given fan-in.
func NewHe(n, fanIn int, rng *rand.Rand) blas32.Vector {
	std := math.Sqrt(2.0 / float64(fanIn))
	return NewGaussian(n, std, rng)
}

func Clone(vec blas32.Vector) blas32.Vector {
	return blas32.Vector{
		N:    vec.N,
		Inc:  vec.Inc,
		Data: slices.Clone(vec.Data),
	}
}

func Sum(vec blas32.Vector) float32 {
	var sum float32
	for i := 0; i < vec.N; i++ {
		sum += vec.Data[i*vec.Inc]
	}
	return sum
}
