package rescan

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopReportsChanges(t *testing.T) {
	var scans atomic.Int32
	changed := make(chan struct{}, 1)

	l := Start(time.Millisecond, func() bool {
		return scans.Add(1) == 3
	}, func() {
		changed <- struct{}{}
	})
	defer l.Stop()

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("change was not reported")
	}
}

func TestLoopStop(t *testing.T) {
	var scans atomic.Int32
	l := Start(time.Millisecond, func() bool { scans.Add(1); return false }, func() {})

	time.Sleep(10 * time.Millisecond)
	l.Stop()
	l.Stop()

	n := scans.Load()
	time.Sleep(10 * time.Millisecond)
	if scans.Load() != n {
		t.Error("scan ran after Stop")
	}
}

func TestSnapshotUpdate(t *testing.T) {
	var s Snapshot[string]

	steps := []struct {
		keys []string
		want bool
	}{
		{[]string{"a", "b"}, false},
		{[]string{"b", "a"}, false},
		{[]string{"a"}, true},
		{[]string{"a"}, false},
		{[]string{"c"}, true},
		{nil, true},
		{nil, false},
	}
	for i, step := range steps {
		if got := s.Update(step.keys); got != step.want {
			t.Errorf("step %d: Update(%v) = %v, want %v", i, step.keys, got, step.want)
		}
	}
}
