// Package workgroup supervises a batch of concurrently running workers with
// fail-fast error propagation, an optional wall-clock deadline, and forceful
// cleanup. The supervisor depends only on the Worker interface, never on a
// concrete execution mechanism.
package workgroup

import (
	"fmt"
	"log/slog"
	"time"
)

// pollInterval is the cadence at which Complete inspects the slots. Wake
// latency after a worker reaches a terminal state is bounded by this interval.
const pollInterval = 100 * time.Millisecond

// WorkerFailureError reports that the worker in a given slot stored a failure.
// By the time a caller sees this error, every sibling worker has been killed.
type WorkerFailureError struct {
	Slot int
	Err  error
}

func (e *WorkerFailureError) Error() string {
	return fmt.Sprintf("worker in slot %d failed: %v", e.Slot, e.Err)
}

func (e *WorkerFailureError) Unwrap() error { return e.Err }

// TimeoutError reports that Complete's wall-clock budget was exceeded before
// every slot drained. Remaining workers are left running; the caller decides
// whether to Kill them.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker group did not complete after %dms", e.Elapsed.Milliseconds())
}

// Group owns an ordered, indexed collection of workers. Slot indices are
// assigned by Add in insertion order and stay stable for the group's lifetime:
// slots are cleared in place, never compacted.
//
// A Group is intended to be driven by a single coordinating goroutine and
// performs no internal locking.
type Group struct {
	slots  []Worker // nil marks an empty slot
	logger *slog.Logger
}

// New creates an empty worker group.
func New(logger *slog.Logger) *Group {
	return &Group{logger: logger}
}

// Add appends the worker at the next slot index and returns that index for
// later reference in diagnostics.
func (g *Group) Add(w Worker) int {
	g.slots = append(g.slots, w)
	return len(g.slots) - 1
}

// Occupied returns the number of slots currently holding a worker.
func (g *Group) Occupied() int {
	n := 0
	for _, w := range g.slots {
		if w != nil {
			n++
		}
	}
	return n
}

// Complete blocks until every slot has drained, a worker fails, or the
// optional timeout (0 means none) expires.
//
// Slots are polled in ascending index order. A worker that stored an error
// triggers a Kill of the entire group before the outcome is communicated:
// with failFast true the call returns a *WorkerFailureError naming the slot,
// otherwise it returns false with no error and the caller must check the
// boolean. A timeout returns *TimeoutError and deliberately does NOT kill the
// remaining workers; a caller-side deadline is no reason to terminate
// long-running-but-healthy work, so cleanup stays an explicit Kill.
func (g *Group) Complete(timeout time.Duration, failFast bool) (bool, error) {
	start := time.Now()

	for {
		remaining := 0

		for i, w := range g.slots {
			if w == nil {
				continue
			}

			if err := w.Err(); err != nil {
				g.logger.Debug("worker failed", "slot", i, "error", err)
				g.Kill()
				if failFast {
					return false, &WorkerFailureError{Slot: i, Err: err}
				}
				return false, nil
			}

			if w.Joinable() {
				w.Join()
				g.slots[i] = nil
				g.logger.Debug("worker joined", "slot", i)
				continue
			}

			remaining++
		}

		if remaining == 0 {
			return true, nil
		}

		if timeout > 0 && time.Since(start) > timeout {
			return false, &TimeoutError{Elapsed: time.Since(start)}
		}

		time.Sleep(pollInterval)
	}
}

// Kill forcefully terminates every still-running worker, joins every worker
// awaiting join, and clears all slots. It returns the number of slots touched
// and is idempotent: a drained group is a no-op. Safe to invoke
// unconditionally as a cleanup action, e.g. deferred alongside Complete.
func (g *Group) Kill() int {
	touched := 0

	for i, w := range g.slots {
		if w == nil {
			continue
		}

		if w.Running() {
			w.Kill()
			w.Join()
			g.logger.Debug("worker killed", "slot", i)
		} else {
			w.Join()
			g.logger.Debug("worker joined", "slot", i)
		}

		g.slots[i] = nil
		touched++
	}

	return touched
}
