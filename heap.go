package framesync

// heapEntry is an order-queue key. The queue holds keys only; payloads stay
// in the sequence store until emission or eviction.
type heapEntry struct {
	captureTimestamp float64
	sequenceNumber   uint64
}

// frameHeap is a binary min-heap of order-queue keys sorted by capture
// timestamp, tie-broken by sequence number so equal timestamps pop in a
// deterministic order. It implements container/heap.Interface.
type frameHeap []heapEntry

// Len returns the number of queued entries.
func (h frameHeap) Len() int { return len(h) }

// Less orders entries by capture timestamp, then sequence number.
func (h frameHeap) Less(i, j int) bool {
	if h[i].captureTimestamp != h[j].captureTimestamp {
		return h[i].captureTimestamp < h[j].captureTimestamp
	}
	return h[i].sequenceNumber < h[j].sequenceNumber
}

// Swap exchanges two entries.
func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends an entry; use heap.Push, not this method directly.
func (h *frameHeap) Push(x interface{}) {
	*h = append(*h, x.(heapEntry))
}

// Pop removes the last entry; use heap.Pop, not this method directly.
func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
