// SPDX-License-Identifier: MIT

package queue

import "container/heap"

// entryHeap orders entries by (available_at, priority desc, created_at, seq).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// remove deletes the entry with the given job id, restoring heap order.
func (h *entryHeap) remove(jobID string) *Entry {
	for i, e := range *h {
		if e.JobID == jobID {
			removed := heap.Remove(h, i)
			return removed.(*Entry)
		}
	}
	return nil
}

// find returns the entry with the given job id without removing it.
func (h entryHeap) find(jobID string) *Entry {
	for _, e := range h {
		if e.JobID == jobID {
			return e
		}
	}
	return nil
}
