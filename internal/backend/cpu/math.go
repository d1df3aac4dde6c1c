package cpu

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

// Determinant and inverse run the same float32 partial-pivot elimination
// as the generated shader: the first row holding the largest magnitude in
// the column wins, and only an exactly zero pivot counts as singular.

// row views columns [from, n) of row r of the row-major n*n matrix m.
func row(m []float32, n, r, from int) blas32.Vector {
	return blas32.Vector{N: n - from, Inc: 1, Data: m[r*n+from : r*n+n]}
}

// column views rows [from, n) of column c.
func column(m []float32, n, c, from int) blas32.Vector {
	return blas32.Vector{N: n - from, Inc: n, Data: m[from*n+c:]}
}

func pivot(m []float32, n, c int) int {
	return c + blas32.Iamax(column(m, n, c, c))
}

func determinant(x []float32, n int) float32 {
	m := slices.Clone(x[:n*n])
	det := float32(1)
	for c := 0; c < n; c++ {
		p := pivot(m, n, c)
		if m[p*n+c] == 0 {
			return 0
		}
		if p != c {
			blas32.Swap(row(m, n, c, 0), row(m, n, p, 0))
			det = -det
		}
		piv := m[c*n+c]
		det *= piv
		for r := c + 1; r < n; r++ {
			blas32.Axpy(-(m[r*n+c] / piv), row(m, n, c, c), row(m, n, r, c))
		}
	}
	return det
}

// inverse returns the inverse of the n*n matrix x, or all NaN when
// elimination meets a zero pivot.
func inverse(x []float32, n int) []float32 {
	m := slices.Clone(x[:n*n])
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	for c := 0; c < n; c++ {
		p := pivot(m, n, c)
		if m[p*n+c] == 0 {
			nan := float32(math.NaN())
			for i := range out {
				out[i] = nan
			}
			return out
		}
		if p != c {
			blas32.Swap(row(m, n, c, 0), row(m, n, p, 0))
			blas32.Swap(row(out, n, c, 0), row(out, n, p, 0))
		}
		piv := m[c*n+c]
		for k := 0; k < n; k++ {
			m[c*n+k] /= piv
			out[c*n+k] /= piv
		}
		for r := 0; r < n; r++ {
			if r == c {
				continue
			}
			fac := m[r*n+c]
			blas32.Axpy(-fac, row(m, n, c, 0), row(m, n, r, 0))
			blas32.Axpy(-fac, row(out, n, c, 0), row(out, n, r, 0))
		}
	}
	return out
}
