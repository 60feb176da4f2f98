// Package cachetimer runs a process-wide periodic cache-clear task.
// Starting a new timer atomically replaces any running one, so at most a
// single timer is ever active.
package cachetimer

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/daniel-cole/GoS3LogShip/log"
)

// Handle identifies a running cache-clear timer
type Handle struct {
	stop chan struct{}
	done chan struct{}
}

var (
	mu      sync.Mutex
	current *Handle
)

// Start schedules hook to fire every interval, cancelling any previously
// running timer first. A nil hook returns memory to the OS via the
// runtime. Returns nil if interval is not positive.
func Start(interval time.Duration, hook func()) *Handle {
	if interval <= 0 {
		log.Error.Printf("refusing to start cache-clear timer with interval %v\n", interval)
		return nil
	}

	if hook == nil {
		hook = func() {
			runtime.GC()
			debug.FreeOSMemory()
		}
	}

	mu.Lock()
	defer mu.Unlock()

	stopCurrent()

	h := &Handle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	current = h

	go h.run(interval, hook)

	return h
}

// Stop cancels the running timer, leaving none active
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	stopCurrent()
}

// Active reports whether a timer is currently scheduled
func Active() bool {
	mu.Lock()
	defer mu.Unlock()

	return current != nil
}

func stopCurrent() {
	if current == nil {
		return
	}

	close(current.stop)
	<-current.done
	current = nil
}

func (h *Handle) run(interval time.Duration, hook func()) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			fire(hook)
		}
	}
}

// A misbehaving hook must never take the timer down with it
func fire(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error.Printf("cache-clear hook panicked: %v\n", r)
		}
	}()

	hook()
}
