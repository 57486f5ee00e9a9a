package replay

// sumTree maintains priorities over a fixed number of slots and
// supports O(log n) priority updates, O(log n) proportional sampling,
// and O(1) queries of the total and maximum priority. Internal nodes
// carry the sum of their children; a parallel tree carries the
// maximum, which provides the default priority for freshly inserted
// items.
type sumTree struct {
	capacity int
	sums     []float64
	maxes    []float64
}

// newSumTree returns a new sumTree over capacity slots, all with
// priority 0
func newSumTree(capacity int) *sumTree {
	return &sumTree{
		capacity: capacity,
		sums:     make([]float64, 2*capacity),
		maxes:    make([]float64, 2*capacity),
	}
}

// update sets the priority of a slot
func (s *sumTree) update(slot int, priority float64) {
	i := slot + s.capacity
	s.sums[i] = priority
	s.maxes[i] = priority

	for i > 1 {
		i /= 2
		s.sums[i] = s.sums[2*i] + s.sums[2*i+1]
		if s.maxes[2*i] > s.maxes[2*i+1] {
			s.maxes[i] = s.maxes[2*i]
		} else {
			s.maxes[i] = s.maxes[2*i+1]
		}
	}
}

// priority returns the priority of a slot
func (s *sumTree) priority(slot int) float64 {
	return s.sums[slot+s.capacity]
}

// total returns the sum of all priorities
func (s *sumTree) total() float64 {
	return s.sums[1]
}

// max returns the maximum priority over all slots
func (s *sumTree) max() float64 {
	return s.maxes[1]
}

// find returns the slot at which the prefix sum of priorities first
// exceeds v, for v in [0, total()). Slots are therefore found with
// probability proportional to their priority when v is drawn
// uniformly.
func (s *sumTree) find(v float64) int {
	i := 1
	for i < s.capacity {
		if v < s.sums[2*i] {
			i = 2 * i
		} else {
			v -= s.sums[2*i]
			i = 2*i + 1
		}
	}
	return i - s.capacity
}
