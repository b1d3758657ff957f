// Package pcb — readyqueue.go
//
// A max-priority queue on (priority, insertion_sequence); ties break
// FIFO. Built on container/heap — the only priority-queue idiom observed
// anywhere in the retrieved example corpus (no third-party priority
// queue library appears in any example go.mod).

package pcb

import (
	"container/heap"

	"github.com/flowkernel/flowkernel/internal/types"
)

type readyItem struct {
	pid      types.ProcessId
	priority types.Priority
	seq      uint64
}

// heapSlice implements heap.Interface as a max-heap: higher priority
// first, lower sequence number (earlier insertion) first on ties.
type heapSlice []readyItem

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x any) {
	*h = append(*h, x.(readyItem))
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type readyQueue struct {
	items heapSlice
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{items: make(heapSlice, 0)}
	heap.Init(&q.items)
	return q
}

func (q *readyQueue) push(pid types.ProcessId, priority types.Priority, seq uint64) {
	heap.Push(&q.items, readyItem{pid: pid, priority: priority, seq: seq})
}

func (q *readyQueue) pop() (types.ProcessId, bool) {
	if q.items.Len() == 0 {
		return "", false
	}
	item := heap.Pop(&q.items).(readyItem)
	return item.pid, true
}
