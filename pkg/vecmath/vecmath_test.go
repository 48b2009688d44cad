package vecmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float64{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
}

func TestCosineSimilarityMismatchedLength(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1, 2}, []float64{1}))
}

func TestMinMaxNormalizeNonConstant(t *testing.T) {
	out := MinMaxNormalize([]float64{1, 2, 3})
	assert.InDelta(t, 0.0, out[0], 1e-9)
	assert.InDelta(t, 0.5, out[1], 1e-9)
	assert.InDelta(t, 1.0, out[2], 1e-9)
}

func TestMinMaxNormalizeConstant(t *testing.T) {
	out := MinMaxNormalize([]float64{5, 5, 5})
	for _, v := range out {
		assert.Equal(t, 1.0, v)
	}
}

func TestMinMaxNormalizeEmpty(t *testing.T) {
	out := MinMaxNormalize(nil)
	assert.Empty(t, out)
}

func TestArgsortDescending(t *testing.T) {
	idx := ArgsortDescending([]float64{0.1, 0.9, 0.5})
	assert.Equal(t, []int{1, 2, 0}, idx)
}

func TestArgsortDescendingStableOnTies(t *testing.T) {
	idx := ArgsortDescending([]float64{1, 1, 1})
	assert.Equal(t, []int{0, 1, 2}, idx)
}

func TestMatVec(t *testing.T) {
	rows := [][]float64{{1, 0}, {0, 1}}
	q := []float64{2, 3}
	out := MatVec(rows, q)
	assert.Equal(t, []float64{2, 3}, out)
}

func TestDotMismatchedLength(t *testing.T) {
	assert.Equal(t, 0.0, Dot([]float64{1}, []float64{1, 2}))
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}
