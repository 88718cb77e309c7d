package erasure

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGaloisArithmetic(t *testing.T) {
	for a := 1; a < 256; a++ {
		inv := galDiv(1, byte(a))
		require.Equal(t, byte(1), galMul(byte(a), inv), "a=%d", a)
		require.Equal(t, byte(a), galExp(byte(a), 1))
		require.Equal(t, galMul(byte(a), byte(a)), galExp(byte(a), 2))
	}
	require.Equal(t, byte(1), galExp(0, 0))
	require.Equal(t, byte(0), galExp(0, 3))
	require.Equal(t, byte(0), galMul(0, 77))
	require.Equal(t, byte(3), galAdd(1, 2))
}

func TestMatrixInvert(t *testing.T) {
	id := identityMatrix(4)
	inv, err := id.Invert()
	require.NoError(t, err)
	require.True(t, inv.IsIdentity())

	v := vandermonde(5, 5)
	vinv, err := v.Invert()
	require.NoError(t, err)
	prod, err := v.Multiply(vinv)
	require.NoError(t, err)
	require.True(t, prod.IsIdentity())
	require.Equal(t, vandermonde(5, 5), v, "Invert must not modify the receiver")
}

func TestMatrixSingular(t *testing.T) {
	m := Matrix{
		{1, 2},
		{1, 2},
	}
	_, err := m.Invert()
	require.ErrorIs(t, err, ErrSingular)

	_, err = Matrix{{1, 2, 3}}.Invert()
	require.Error(t, err)
}

func TestEncodingMatrixTopIsIdentity(t *testing.T) {
	codec, err := New(5, 3)
	require.NoError(t, err)
	enc := codec.Matrix()
	require.Equal(t, 8, enc.Rows())
	require.Equal(t, 5, enc.Cols())
	require.True(t, enc.SubMatrix(0, 0, 5, 5).IsIdentity())
}

func TestMultiplyDimensionMismatch(t *testing.T) {
	_, err := newMatrix(2, 3).Multiply(newMatrix(2, 3))
	require.Error(t, err)
}
