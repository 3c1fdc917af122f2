package charging

import (
	"container/heap"
	"slices"
	"time"
)

// Priority orders queued requests; higher values are served first.
type Priority int

const (
	PriorityNormal     Priority = 0
	PriorityLowBattery Priority = 1
	PriorityEmergency  Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityLowBattery:
		return "low_battery"
	default:
		return "normal"
	}
}

// PriorityFor classifies a request. Emergency vehicles outrank everything;
// otherwise a battery under threshold outranks a routine top-up.
func PriorityFor(soc float64, emergency bool, threshold float64) Priority {
	switch {
	case emergency:
		return PriorityEmergency
	case soc < threshold:
		return PriorityLowBattery
	default:
		return PriorityNormal
	}
}

// QueuedRequest is a charging request waiting for a port.
type QueuedRequest struct {
	VehicleID     string
	Soc           float64
	Priority      Priority
	ArrivalTime   time.Time
	StationsTried []string

	seq   uint64
	index int
}

// before is the queue's total order: priority descending, then arrival
// ascending, then admission sequence ascending. seq is unique per
// controller, so no two requests compare equal.
func (r *QueuedRequest) before(o *QueuedRequest) bool {
	if r.Priority != o.Priority {
		return r.Priority > o.Priority
	}
	if !r.ArrivalTime.Equal(o.ArrivalTime) {
		return r.ArrivalTime.Before(o.ArrivalTime)
	}
	return r.seq < o.seq
}

// requestQueue implements heap.Interface over queued requests.
type requestQueue []*QueuedRequest

func (q requestQueue) Len() int           { return len(q) }
func (q requestQueue) Less(i, j int) bool { return q[i].before(q[j]) }
func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	item := x.(*QueuedRequest)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *requestQueue) push(r *QueuedRequest) { heap.Push(q, r) }

func (q *requestQueue) pop() *QueuedRequest {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*QueuedRequest)
}

func (q *requestQueue) remove(r *QueuedRequest) {
	if r.index >= 0 && r.index < q.Len() && (*q)[r.index] == r {
		heap.Remove(q, r.index)
	}
}

// drain empties the queue and returns its entries in service order.
func (q *requestQueue) drain() []*QueuedRequest {
	out := q.ordered()
	for _, r := range *q {
		r.index = -1
	}
	*q = (*q)[:0]
	return out
}

// ordered returns the entries in service order without modifying the heap.
func (q requestQueue) ordered() []*QueuedRequest {
	out := slices.Clone([]*QueuedRequest(q))
	slices.SortFunc(out, func(a, b *QueuedRequest) int {
		if a.before(b) {
			return -1
		}
		if b.before(a) {
			return 1
		}
		return 0
	})
	return out
}

// aheadOf counts entries that would be served before a new request of
// priority p arriving now.
func (q requestQueue) aheadOf(p Priority) int {
	n := 0
	for _, r := range q {
		if r.Priority >= p {
			n++
		}
	}
	return n
}
