// Package rescan polls for device changes on backends that have no hot-plug
// notifications.
package rescan

import (
	"sync"
	"time"
)

// Loop calls a scan function at a fixed interval on its own goroutine.
type Loop struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Start begins polling. scan reports whether anything changed since the
// previous call; changed is then called on the loop goroutine.
func Start(interval time.Duration, scan func() bool, changed func()) *Loop {
	l := &Loop{stop: make(chan struct{}), done: make(chan struct{})}
	go l.run(interval, scan, changed)
	return l
}

func (l *Loop) run(interval time.Duration, scan func() bool, changed func()) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if scan() {
				changed()
			}
		}
	}
}

// Stop ends the loop and waits for a running scan to finish. It must not be
// called from scan or changed.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

// Snapshot remembers the last set of keys seen by a scan.
type Snapshot[K comparable] struct {
	mu   sync.Mutex
	last map[K]struct{}
}

// Update stores keys and reports whether they differ from the previous call.
// The first call only records.
func (s *Snapshot[K]) Update(keys []K) bool {
	next := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.last == nil
	changed := len(next) != len(s.last)
	if !changed {
		for k := range next {
			if _, ok := s.last[k]; !ok {
				changed = true
				break
			}
		}
	}
	s.last = next
	return changed && !first
}
