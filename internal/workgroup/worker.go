package workgroup

import (
	"context"
	"fmt"
	"os/exec"
)

// Worker is a concurrently executing unit supervised by a Group. A worker is
// Running until it reaches a terminal state on its own, then Joinable until
// Join reclaims its execution resources. Err reports the stored failure, if
// any, once the worker is no longer running.
type Worker interface {
	Running() bool
	Joinable() bool
	Err() error

	// Kill forcefully terminates the worker. It does not wait; callers chain
	// a Join to reclaim resources.
	Kill()

	// Join blocks until the worker's execution resources are reclaimed.
	Join()
}

// goWorker runs a function in a goroutine. Kill cancels the function's
// context, which is the forceful-termination signal in goroutine terms: the
// function is expected to return promptly once its context is canceled.
type goWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	joined bool
}

// Go starts fn in a new goroutine and returns its Worker handle.
func Go(fn func(ctx context.Context) error) Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &goWorker{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		// The error is published before done is closed, so readers that
		// observe the closed channel also observe the error.
		w.err = fn(ctx)
		close(w.done)
	}()
	return w
}

func (w *goWorker) Running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *goWorker) Joinable() bool {
	return !w.Running() && !w.joined
}

func (w *goWorker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *goWorker) Kill() {
	w.cancel()
}

func (w *goWorker) Join() {
	<-w.done
	w.joined = true
	w.cancel() // release the context's resources
}

// procWorker supervises an OS process. Kill delivers SIGKILL; Join waits for
// the background reaper to collect the exit status.
type procWorker struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	joined bool
}

// Proc starts cmd (unless already started) and returns a Worker handle that
// reaps it in the background. The worker's Err is the process exit error, so
// a non-zero exit status counts as a stored failure.
func Proc(cmd *exec.Cmd) (Worker, error) {
	if cmd.Process == nil {
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
		}
	}
	w := &procWorker{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	return w, nil
}

func (w *procWorker) Running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *procWorker) Joinable() bool {
	return !w.Running() && !w.joined
}

func (w *procWorker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *procWorker) Kill() {
	// Best effort: the process may have exited between the caller's check and
	// the signal. Join still reaps it either way.
	_ = w.cmd.Process.Kill()
}

func (w *procWorker) Join() {
	<-w.done
	w.joined = true
}
