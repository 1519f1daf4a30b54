// Package utils provides small helpers shared across the research graph packages.
package utils

import (
	"container/heap"
	"math"
	"sort"
)

// CosineSimilarity calculates the cosine similarity between two float32 vectors.
// Returns 0 if vectors have different lengths, are empty, or either has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length. Returns nil for empty or zero vectors.
func Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag == 0 {
		return nil
	}
	result := make([]float32, len(v))
	for i, x := range v {
		result[i] = float32(float64(x) / mag)
	}
	return result
}

type ranked[T any] struct {
	item  T
	index int
}

// boundedHeap keeps the worst retained item at the root.
type boundedHeap[T any] struct {
	items []ranked[T]
	less  func(a, b T) bool
}

// before is less with input order breaking ties.
func (h *boundedHeap[T]) before(a, b ranked[T]) bool {
	if h.less(a.item, b.item) {
		return true
	}
	if h.less(b.item, a.item) {
		return false
	}
	return a.index < b.index
}

func (h *boundedHeap[T]) Len() int           { return len(h.items) }
func (h *boundedHeap[T]) Less(i, j int) bool { return h.before(h.items[j], h.items[i]) }
func (h *boundedHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *boundedHeap[T]) Push(x any) {
	h.items = append(h.items, x.(ranked[T]))
}

func (h *boundedHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[0 : n-1]
	return x
}

// TopK returns the first k items under less, in order. Items that compare
// equal keep their input order.
func TopK[T any](items []T, k int, less func(a, b T) bool) []T {
	if k <= 0 || len(items) == 0 {
		return nil
	}

	if k >= len(items) {
		result := make([]T, len(items))
		copy(result, items)
		sort.SliceStable(result, func(i, j int) bool { return less(result[i], result[j]) })
		return result
	}

	h := &boundedHeap[T]{items: make([]ranked[T], 0, k), less: less}
	for i, item := range items {
		r := ranked[T]{item: item, index: i}
		if h.Len() < k {
			heap.Push(h, r)
		} else if h.before(r, h.items[0]) {
			h.items[0] = r
			heap.Fix(h, 0)
		}
	}

	result := make([]T, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(ranked[T]).item
	}
	return result
}
