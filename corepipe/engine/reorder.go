package engine

import "github.com/broadstream/filerelay/corepipe/buffer"

// bufferHeap is a container/heap.Interface min-heap of buffers keyed on
// sequence number: the producer's reorder queue, restoring strict order
// before broadcast even though fill tasks complete out of order.
type bufferHeap []*buffer.Buffer

func (h bufferHeap) Len() int            { return len(h) }
func (h bufferHeap) Less(i, j int) bool  { return h[i].Sequence() < h[j].Sequence() }
func (h bufferHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bufferHeap) Push(x interface{}) { *h = append(*h, x.(*buffer.Buffer)) }

func (h *bufferHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
