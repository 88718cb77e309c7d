package erasure

import (
	"errors"
	"fmt"
)

// ErrSingular is returned when a matrix has no inverse.
var ErrSingular = errors.New("erasure: matrix is singular")

// Matrix is a dense row-major matrix over GF(2^8).
type Matrix [][]byte

func newMatrix(rows, cols int) Matrix {
	m := make(Matrix, rows)
	for r := range m {
		m[r] = make([]byte, cols)
	}
	return m
}

func identityMatrix(n int) Matrix {
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

// vandermonde returns the rows×cols matrix with m[r][c] = r^c.
func vandermonde(rows, cols int) Matrix {
	m := newMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m[r][c] = galExp(byte(r), c)
		}
	}
	return m
}

// Rows returns the number of rows.
func (m Matrix) Rows() int {
	return len(m)
}

// Cols returns the number of columns.
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Clone returns a deep copy of m.
func (m Matrix) Clone() Matrix {
	out := newMatrix(m.Rows(), m.Cols())
	for r := range m {
		copy(out[r], m[r])
	}
	return out
}

// Multiply returns m · right.
func (m Matrix) Multiply(right Matrix) (Matrix, error) {
	if m.Cols() != right.Rows() {
		return nil, fmt.Errorf("erasure: cannot multiply %dx%d by %dx%d",
			m.Rows(), m.Cols(), right.Rows(), right.Cols())
	}
	out := newMatrix(m.Rows(), right.Cols())
	for r := range m {
		for c := 0; c < right.Cols(); c++ {
			var v byte
			for i := range m[r] {
				v ^= galMul(m[r][i], right[i][c])
			}
			out[r][c] = v
		}
	}
	return out, nil
}

// SubMatrix returns rows [rmin, rmax) and columns [cmin, cmax) of m.
func (m Matrix) SubMatrix(rmin, cmin, rmax, cmax int) Matrix {
	out := newMatrix(rmax-rmin, cmax-cmin)
	for r := rmin; r < rmax; r++ {
		copy(out[r-rmin], m[r][cmin:cmax])
	}
	return out
}

// SelectRows returns a new matrix made of the given rows, in order.
func (m Matrix) SelectRows(rows []int) Matrix {
	out := make(Matrix, len(rows))
	for i, r := range rows {
		out[i] = append([]byte(nil), m[r]...)
	}
	return out
}

// Invert returns the inverse of a square matrix using Gauss-Jordan
// elimination. The receiver is not modified.
func (m Matrix) Invert() (Matrix, error) {
	n := m.Rows()
	if n != m.Cols() {
		return nil, fmt.Errorf("erasure: cannot invert %dx%d matrix", n, m.Cols())
	}

	work := newMatrix(n, 2*n)
	for r := 0; r < n; r++ {
		copy(work[r], m[r])
		work[r][n+r] = 1
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for r := col; r < n; r++ {
			if work[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return nil, ErrSingular
		}
		work[col], work[pivot] = work[pivot], work[col]

		if p := work[col][col]; p != 1 {
			scale := galDiv(1, p)
			mulSlice(scale, work[col], work[col])
		}

		for r := 0; r < n; r++ {
			if r == col || work[r][col] == 0 {
				continue
			}
			mulAddSlice(work[r][col], work[col], work[r])
		}
	}

	return work.SubMatrix(0, n, n, 2*n), nil
}

// IsIdentity reports whether m is a square identity matrix.
func (m Matrix) IsIdentity() bool {
	if m.Rows() != m.Cols() {
		return false
	}
	for r := range m {
		for c, v := range m[r] {
			if (r == c && v != 1) || (r != c && v != 0) {
				return false
			}
		}
	}
	return true
}
