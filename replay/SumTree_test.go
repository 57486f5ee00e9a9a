package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumTreeTotalAndMax(t *testing.T) {
	tree := newSumTree(8)

	assert.Zero(t, tree.total())
	assert.Zero(t, tree.max())

	tree.update(0, 1.0)
	tree.update(3, 4.0)
	tree.update(7, 2.5)

	assert.InDelta(t, 7.5, tree.total(), 1e-12)
	assert.InDelta(t, 4.0, tree.max(), 1e-12)
	assert.InDelta(t, 4.0, tree.priority(3), 1e-12)

	// Overwriting a priority replaces it rather than accumulating
	tree.update(3, 0.5)
	assert.InDelta(t, 4.0, tree.total(), 1e-12)
	assert.InDelta(t, 2.5, tree.max(), 1e-12)
}

func TestSumTreeFind(t *testing.T) {
	tree := newSumTree(4)
	tree.update(0, 1.0)
	tree.update(1, 2.0)
	tree.update(2, 3.0)
	tree.update(3, 4.0)

	// Prefix sums are [1, 3, 6, 10], so each slot owns the value
	// range between its predecessor's prefix sum and its own
	assert.Equal(t, 0, tree.find(0.0))
	assert.Equal(t, 0, tree.find(0.99))
	assert.Equal(t, 1, tree.find(1.0))
	assert.Equal(t, 2, tree.find(3.0))
	assert.Equal(t, 2, tree.find(5.99))
	assert.Equal(t, 3, tree.find(6.0))
	assert.Equal(t, 3, tree.find(9.99))
}

func TestSumTreeFindSkipsZeroPriority(t *testing.T) {
	tree := newSumTree(4)
	tree.update(1, 5.0)

	for _, v := range []float64{0.0, 1.0, 2.5, 4.99} {
		assert.Equal(t, 1, tree.find(v))
	}
}
