package timer

import "testing"

func TestTimeSinceBootStartsAtZero(t *testing.T) {
	tm := New()
	if got := tm.TimeSinceBoot(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestReportClockPulseAdvancesTime(t *testing.T) {
	tm := New()
	tm.ReportClockPulse(1000)
	tm.ReportClockPulse(500)
	if got := tm.TimeSinceBoot(); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
}

func TestCallbackFiresOnceTimestampReached(t *testing.T) {
	tm := New()
	fired := false
	tm.RegisterTimedEvent(1000, func(now, ts uint64) { fired = true })

	tm.ReportClockPulse(999)
	if fired {
		t.Fatal("callback fired before its timestamp")
	}
	tm.ReportClockPulse(1)
	if !fired {
		t.Fatal("callback did not fire once timestamp was reached")
	}
}

func TestCallbackNeverFiresEarly(t *testing.T) {
	tm := New()
	var firedAt uint64 = 0
	tm.RegisterTimedEvent(5000, func(now, ts uint64) { firedAt = now })
	tm.ReportClockPulse(6000)
	if firedAt < 5000 {
		t.Fatalf("callback fired at %d, before its registered timestamp 5000", firedAt)
	}
}

func TestMultipleCallbacksFireInTimestampOrder(t *testing.T) {
	tm := New()
	var order []int
	tm.RegisterTimedEvent(300, func(now, ts uint64) { order = append(order, 3) })
	tm.RegisterTimedEvent(100, func(now, ts uint64) { order = append(order, 1) })
	tm.RegisterTimedEvent(200, func(now, ts uint64) { order = append(order, 2) })

	tm.ReportClockPulse(1000)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected firing order [1 2 3], got %v", order)
	}
}

func TestOnlyDueCallbacksFireOnEachPulse(t *testing.T) {
	tm := New()
	fired := 0
	tm.RegisterTimedEvent(100, func(now, ts uint64) { fired++ })
	tm.RegisterTimedEvent(200, func(now, ts uint64) { fired++ })

	tm.ReportClockPulse(150)
	if fired != 1 {
		t.Fatalf("expected 1 callback fired, got %d", fired)
	}
	if tm.Pending() != 1 {
		t.Fatalf("expected 1 pending event, got %d", tm.Pending())
	}

	tm.ReportClockPulse(100)
	if fired != 2 {
		t.Fatalf("expected 2 callbacks fired, got %d", fired)
	}
}

func TestCallbackCanReregisterItself(t *testing.T) {
	tm := New()
	var count int
	var cb Callback
	cb = func(now, ts uint64) {
		count++
		if count < 3 {
			tm.RegisterTimedEvent(now+100, cb)
		}
	}
	tm.RegisterTimedEvent(100, cb)

	for i := 0; i < 3; i++ {
		tm.ReportClockPulse(100)
	}
	if count != 3 {
		t.Fatalf("expected self-rescheduling callback to fire 3 times, got %d", count)
	}
}

func TestPendingReflectsQueueSize(t *testing.T) {
	tm := New()
	if tm.Pending() != 0 {
		t.Fatalf("expected empty queue, got %d", tm.Pending())
	}
	tm.RegisterTimedEvent(10, func(uint64, uint64) {})
	tm.RegisterTimedEvent(20, func(uint64, uint64) {})
	if tm.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", tm.Pending())
	}
}

func TestManyEventsMaintainHeapOrder(t *testing.T) {
	tm := New()
	timestamps := []uint64{50, 10, 40, 20, 90, 60, 30, 70, 80, 1, 100, 15}
	for _, ts := range timestamps {
		tm.RegisterTimedEvent(ts, func(uint64, uint64) {})
	}

	tm.ReportClockPulse(1000)
	if tm.Pending() != 0 {
		t.Fatalf("expected all events drained, got %d pending", tm.Pending())
	}
}
