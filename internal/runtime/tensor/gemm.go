package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// GemmNT computes out[m, n] = a[m, k] * b[n, k]^T over row-major slices.
// out is overwritten. Rows of a are split across the configured workers;
// every worker writes a disjoint block of out.
func GemmNT(a []float32, m, k int, b []float32, n int, out []float32) {
	if m == 0 || n == 0 {
		return
	}

	if k == 0 {
		clear(out[:m*n])
		return
	}

	bm := blas32.General{Rows: n, Cols: k, Stride: k, Data: b}

	parallelFor(m, getWorkers(), func(lo, hi int) {
		am := blas32.General{Rows: hi - lo, Cols: k, Stride: k, Data: a[lo*k : hi*k]}
		cm := blas32.General{Rows: hi - lo, Cols: n, Stride: n, Data: out[lo*n : hi*n]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, am, bm, 0, cm)
	})
}

// GemmNN computes out[m, n] = a[m, k] * b[k, n] over row-major slices.
func GemmNN(a []float32, m, k int, b []float32, n int, out []float32) {
	if m == 0 || n == 0 {
		return
	}

	if k == 0 {
		clear(out[:m*n])
		return
	}

	am := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	bm := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	cm := blas32.General{Rows: m, Cols: n, Stride: n, Data: out}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, am, bm, 0, cm)
}
