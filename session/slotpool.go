package session

import "container/heap"

// slotHeap is a min-heap of free slot indices, grounded on the teacher's
// container/heap poll scheduler (services/hal/internal/core/poller.go):
// same Push/Pop/Swap shape, ordering by slot index instead of due-time.
type slotHeap []int

func (h slotHeap) Len() int            { return len(h) }
func (h slotHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h slotHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *slotHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// slotPool is the priority queue of free controller slots (spec §3):
// dequeue always returns the lowest free index.
type slotPool struct {
	h slotHeap
}

func newSlotPool(count int) *slotPool {
	p := &slotPool{h: make(slotHeap, 0, count)}
	for i := 0; i < count; i++ {
		heap.Push(&p.h, i)
	}
	return p
}

// grow adds newly-available indices [oldCount, newCount) to the pool,
// excluding any already occupied (passed in occupied).
func (p *slotPool) grow(oldCount, newCount int, occupied map[int]bool) {
	for i := oldCount; i < newCount; i++ {
		if !occupied[i] {
			heap.Push(&p.h, i)
		}
	}
}

func (p *slotPool) len() int { return p.h.Len() }

// acquire pops and returns the lowest free slot index.
func (p *slotPool) acquire() int {
	return heap.Pop(&p.h).(int)
}

// release returns slot to the pool.
func (p *slotPool) release(slot int) {
	heap.Push(&p.h, slot)
}
