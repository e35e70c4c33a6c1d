// Package timer tracks time since boot and dispatches timed callbacks
// through a min-heap priority queue: component C6. Grounded on
// original_source's devices/timer.c.
package timer

import "github.com/islay-os/kernel/internal/klog"

var log = klog.New("TIMER", klog.Info, nil)

// Callback fires when a registered timestamp is reached. It receives the
// current time since boot and the timestamp it was registered for, so it
// can compensate for the timer firing late.
type Callback func(timeSinceBootNs, timestampNs uint64)

type timedEvent struct {
	timestampNs uint64
	callback    Callback
}

// Timer tracks elapsed time since boot and fires registered callbacks once
// their timestamp has passed. Not safe for concurrent use: callers must
// serialize access the same way the original serializes it by running
// entirely within the timer ISR.
type Timer struct {
	timeSinceBootNs uint64
	heap            []timedEvent
}

// New returns a Timer with no elapsed time and no pending events.
func New() *Timer {
	return &Timer{}
}

// TimeSinceBoot returns the current time since boot in nanoseconds.
func (t *Timer) TimeSinceBoot() uint64 {
	return t.timeSinceBootNs
}

// RegisterTimedEvent schedules callback to run once timeSinceBootNs reaches
// timestampNs. The timer never invokes it earlier, but makes no guarantee
// about exactly how much later it runs. Returns false on allocation
// failure, mirroring timer_register_timed_event's growable array running
// out of memory; this port grows the heap with append, which never fails
// this way, so the return is always true. Kept rather than dropped so the
// failure path stays representable if a bounded-capacity heap ever
// replaces append.
func (t *Timer) RegisterTimedEvent(timestampNs uint64, callback Callback) bool {
	log.Debug("register timed event at %d", timestampNs)
	t.heap = append(t.heap, timedEvent{timestampNs: timestampNs, callback: callback})
	t.siftUp(len(t.heap) - 1)
	t.verifyHeap()
	return true
}

// ReportClockPulse advances time by periodNs and runs every callback whose
// timestamp has now been reached, in timestamp order.
func (t *Timer) ReportClockPulse(periodNs uint64) {
	t.timeSinceBootNs += periodNs

	for len(t.heap) > 0 && t.heap[0].timestampNs <= t.timeSinceBootNs {
		event := t.extractMin()
		log.Debug("firing timed event registered for %d at %d", event.timestampNs, t.timeSinceBootNs)
		event.callback(t.timeSinceBootNs, event.timestampNs)
	}
}

// Pending reports how many timed events are currently queued.
func (t *Timer) Pending() int {
	return len(t.heap)
}

func parent(i int) int { return (i - 1) / 2 }
func left(i int) int   { return i*2 + 1 }
func right(i int) int  { return i*2 + 2 }

func (t *Timer) siftUp(i int) {
	for i != 0 && t.heap[parent(i)].timestampNs > t.heap[i].timestampNs {
		p := parent(i)
		t.heap[p], t.heap[i] = t.heap[i], t.heap[p]
		i = p
	}
}

// heapify restores the min-heap property rooted at i, assuming both
// children (if present) are already valid heaps.
func (t *Timer) heapify(i int) {
	smallest := i
	l, r := left(i), right(i)

	if l < len(t.heap) && t.heap[l].timestampNs < t.heap[smallest].timestampNs {
		smallest = l
	}
	if r < len(t.heap) && t.heap[r].timestampNs < t.heap[smallest].timestampNs {
		smallest = r
	}
	if smallest != i {
		t.heap[smallest], t.heap[i] = t.heap[i], t.heap[smallest]
		t.heapify(smallest)
	}
}

func (t *Timer) extractMin() timedEvent {
	min := t.heap[0]
	last := len(t.heap) - 1
	t.heap[0] = t.heap[last]
	t.heap = t.heap[:last]
	if len(t.heap) > 0 {
		t.heapify(0)
	}
	t.verifyHeap()
	return min
}

// verifyHeap checks the min-heap property holds over the whole array. Only
// meaningful as a debug assertion; panics on violation rather than
// returning an error since a broken heap indicates a logic bug, not a
// recoverable condition.
func (t *Timer) verifyHeap() {
	for i := range t.heap {
		l, r := left(i), right(i)
		if l < len(t.heap) && t.heap[l].timestampNs < t.heap[i].timestampNs {
			panic("timer: min-heap property violated (left child)")
		}
		if r < len(t.heap) && t.heap[r].timestampNs < t.heap[i].timestampNs {
			panic("timer: min-heap property violated (right child)")
		}
	}
}
