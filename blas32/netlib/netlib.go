// Package netlib swaps the pure-Go BLAS used by the gonum blas32
// routines for the netlib CBLAS bindings. Import it for its side effect:
//
//	import _ "github.com/sw965/costnet/blas32/netlib"
package netlib

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
}
