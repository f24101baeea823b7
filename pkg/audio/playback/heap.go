package playback

// unitHeap implements [container/heap.Interface] as a min-heap of pending
// units ordered by scheduled start time, with ties broken by ID so units
// scheduled back to back keep their arrival order.
type unitHeap []Unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].Start != h[j].Start {
		return h[i].Start < h[j].Start
	}
	return h[i].ID < h[j].ID
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x. Called by [container/heap.Push] only.
func (h *unitHeap) Push(x any) {
	*h = append(*h, x.(Unit))
}

// Pop removes the last element. Called by [container/heap.Pop] only.
func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = Unit{}
	*h = old[:n-1]
	return u
}
