package admitsim

// scheduler.go holds the event queue and clock of a replication.
//
// Events are kept in a min-priority heap ordered by time.  Events with the same
// time come out in the order they were pushed: each push takes the next value of
// a sequence counter, and the counter breaks ties, so the order of dispatch never
// depends on what the events carry.

import (
	"container/heap"
	"errors"
	"fmt"
)

// ErrEventOrder marks an event scheduled before the current simulation time
var ErrEventOrder = errors.New("event scheduled in the past")

// EventKind distinguishes the two kinds of event
type EventKind int

const (
	ArrivalEvent EventKind = iota
	DepartureEvent
)

var ekToStr map[EventKind]string = map[EventKind]string{ArrivalEvent: "arrival", DepartureEvent: "departure"}

func (ek EventKind) String() string {
	str, present := ekToStr[ek]
	if !present {
		return fmt.Sprintf("EventKind(%d)", int(ek))
	}
	return str
}

// Event is an arrival or departure of a service at a point in simulation time
type Event struct {
	Time float64
	Kind EventKind
	Svc  *Service
	seq  uint64
}

// Seq returns the insertion sequence number the queue gave the event
func (ev *Event) Seq() uint64 {
	return ev.seq
}

// eventHeap and its methods implement a min-priority heap
// on (time, seq)
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// EventQueue orders the pending events of a replication.  The clock is exactly the
// time of the most recently popped event.
type EventQueue struct {
	pending eventHeap
	nxtSeq  uint64
	now     float64
}

// CreateEventQueue is a constructor
func CreateEventQueue() *EventQueue {
	eq := new(EventQueue)
	eq.pending = eventHeap{}
	heap.Init(&eq.pending)
	return eq
}

// Push adds an event.  An event earlier than the clock is refused.
func (eq *EventQueue) Push(ev *Event) error {
	if ev.Time < eq.now {
		return fmt.Errorf("%w: %s at %g is before current time %g", ErrEventOrder, ev.Kind, ev.Time, eq.now)
	}
	ev.seq = eq.nxtSeq
	eq.nxtSeq += 1
	heap.Push(&eq.pending, ev)
	return nil
}

// Pop removes the earliest event and advances the clock to its time
func (eq *EventQueue) Pop() (*Event, bool) {
	if len(eq.pending) == 0 {
		return nil, false
	}
	ev := heap.Pop(&eq.pending).(*Event)
	eq.now = ev.Time
	return ev, true
}

// Len returns the number of pending events
func (eq *EventQueue) Len() int {
	return len(eq.pending)
}

// Now returns the current simulation time
func (eq *EventQueue) Now() float64 {
	return eq.now
}
