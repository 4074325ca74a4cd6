package cleanup

import (
	"container/heap"
	"time"
)

type expiry struct {
	id       string
	deadline time.Time
}

// expiryQueue is a min-heap of deadlines.
type expiryQueue []expiry

func (q expiryQueue) Len() int           { return len(q) }
func (q expiryQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }
func (q expiryQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *expiryQueue) Push(x any) { *q = append(*q, x.(expiry)) }

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]

	return item
}

// popDue removes and returns the ids whose deadline is not after now.
func (q *expiryQueue) popDue(now time.Time) []string {
	var ids []string

	for q.Len() > 0 && !(*q)[0].deadline.After(now) {
		ids = append(ids, heap.Pop(q).(expiry).id)
	}

	return ids
}
