package tensor3d

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

// General is a dense rank-3 tensor over a flat float32 slice. The axis
// names follow the most common use (channel, row, column); convolution
// filters reuse the layout as (output channel, input channel, tap) and
// pipeline feature volumes as (feature channel, stage class, stage).
type General struct {
	Channels      int
	Rows          int
	Cols          int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewZeros(chs, rows, cols int) General {
	rowStride := cols
	chStride := rows * rowStride
	return General{
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, chs*chStride),
	}
}

func NewZerosLike(gen General) General {
	return NewZeros(gen.Channels, gen.Rows, gen.Cols)
}

// NewHe draws from the He initialization with fan-in Rows*Cols
// (the reduction extent of one output channel).
func NewHe(chs, rows, cols int, rng *rand.Rand) General {
	gen := NewZeros(chs, rows, cols)
	std := math.Sqrt(2.0 / float64(rows*cols))
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

func (g General) N() int {
	return g.Channels * g.Rows * g.Cols
}

func (g General) At(ch, row, col int) int {
	return ch*g.ChannelStride + row*g.RowStride + col
}

func (g General) Clone() General {
	return General{
		Channels:      g.Channels,
		Rows:          g.Rows,
		Cols:          g.Cols,
		ChannelStride: g.ChannelStride,
		RowStride:     g.RowStride,
		Data:          slices.Clone(g.Data),
	}
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

// JoinInner views the tensor as a (Channels × Rows·Cols) matrix,
// flattening the two inner axes. The data is shared, not copied.
func (g General) JoinInner() blas32.General {
	return blas32.General{
		Rows:   g.Channels,
		Cols:   g.Rows * g.Cols,
		Stride: g.ChannelStride,
		Data:   g.Data,
	}
}

// JoinOuter views the tensor as a (Channels·Rows × Cols) matrix,
// flattening the two outer axes. The data is shared, not copied.
func (g General) JoinOuter() blas32.General {
	return blas32.General{
		Rows:   g.Channels * g.Rows,
		Cols:   g.Cols,
		Stride: g.RowStride,
		Data:   g.Data,
	}
}

func (g General) Axpy(alpha float32, x General) {
	xv := x.ToVector()
	yv := g.ToVector()
	blas32.Axpy(alpha, xv, yv)
}

func (g General) Scal(alpha float32) {
	vec := g.ToVector()
	blas32.Scal(alpha, vec)
}
