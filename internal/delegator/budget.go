package delegator

import "sync/atomic"

// stepBudget counts the generations one turn may still run. A supervisor and the
// delegates it starts draw from the same budget, concurrently in the delegates' case.
type stepBudget struct {
	limit int64
	left  atomic.Int64
}

func newStepBudget(limit int) *stepBudget {
	b := &stepBudget{limit: int64(limit)}
	b.left.Store(int64(limit))
	return b
}

// take claims one generation. It reports false once the budget is spent.
func (b *stepBudget) take() bool {
	for {
		n := b.left.Load()
		if n <= 0 {
			return false
		}
		if b.left.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// refund returns a claimed generation that never ran.
func (b *stepBudget) refund() {
	b.left.Add(1)
}

func (b *stepBudget) spent() bool {
	return b.left.Load() <= 0
}

// used is the number of generations claimed so far.
func (b *stepBudget) used() int {
	return int(b.limit - b.left.Load())
}
