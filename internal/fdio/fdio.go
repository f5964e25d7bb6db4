// Package fdio provides deadline-bounded reads over raw file descriptors.
//
// A Reader wraps a single descriptor (typically the stdout pipe of a dump
// subprocess) and bounds every read by a fixed per-call timeout using a
// select(2) readiness wait. End of stream is latched: once the descriptor
// reports EOF, all further reads return 0 without touching the descriptor.
package fdio

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ConfigError reports an invalid descriptor at construction time.
type ConfigError struct {
	Name string
	Fd   int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid file descriptor %d for %s", e.Fd, e.Name)
}

// ReadError reports an OS-level failure of the readiness wait or the read itself.
type ReadError struct {
	Name string
	Op   string // "select" or "read"
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("unable to %s from %s: %v", e.Op, e.Name, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ReadTimeoutError reports that the readiness wait expired with no data.
type ReadTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("unable to read data from %s after %dms", e.Name, e.Timeout.Milliseconds())
}

// Reader performs timeout-bounded reads from a file descriptor.
//
// A Reader is single-owner: concurrent Read calls against the same instance
// are not supported and no internal locking is provided.
type Reader struct {
	name    string // descriptor name for error messages
	fd      int
	timeout time.Duration
	eof     bool
}

// NewReader creates a Reader for the given descriptor. The timeout bounds each
// readiness wait inside Read and is re-armed on every call. A negative
// descriptor, or one at or beyond the select(2) descriptor-set capacity
// (FD_SETSIZE), fails with *ConfigError before any I/O is attempted.
func NewReader(name string, fd int, timeout time.Duration) (*Reader, error) {
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return nil, &ConfigError{Name: name, Fd: fd}
	}
	return &Reader{
		name:    name,
		fd:      fd,
		timeout: timeout,
	}, nil
}

// Read reads into p, waiting up to the configured timeout for the descriptor
// to become readable. With block=true it keeps reading until p is full or end
// of stream; with block=false it returns after a single readiness+read cycle,
// so a partial fill is permitted. It returns the total bytes appended to p
// during this call.
//
// Once end of stream has been latched, Read returns 0 immediately and performs
// no system calls. Calling Read with an empty p is a contract violation.
func (r *Reader) Read(p []byte, block bool) (int, error) {
	if len(p) == 0 {
		panic("fdio: read into buffer with no remaining capacity")
	}

	if r.eof {
		return 0, nil
	}

	total := 0
	for {
		// Rebuild the descriptor set and timeout every pass since select
		// modifies both.
		var readSet unix.FdSet
		readSet.Zero()
		readSet.Set(r.fd)
		timeoutSelect := unix.NsecToTimeval(r.timeout.Nanoseconds())

		ready, err := unix.Select(r.fd+1, &readSet, nil, nil, &timeoutSelect)
		if err != nil {
			return total, &ReadError{Name: r.name, Op: "select", Err: err}
		}

		// No readiness event within the time allotted.
		if ready == 0 {
			return total, &ReadTimeoutError{Name: r.name, Timeout: r.timeout}
		}

		n, err := unix.Read(r.fd, p[total:])
		if err != nil {
			return total, &ReadError{Name: r.name, Op: "read", Err: err}
		}

		// Zero bytes from a readable descriptor means end of stream.
		if n == 0 {
			r.eof = true
		} else {
			total += n
		}

		if !block || r.eof || total == len(p) {
			return total, nil
		}
	}
}

// EOF reports whether end of stream has been latched. It never reverts to
// false once set.
func (r *Reader) EOF() bool {
	return r.eof
}

// Fd returns the underlying descriptor for external registration (e.g. with a
// higher-level multiplexer). It must not be used to read around the driver.
func (r *Reader) Fd() int {
	return r.fd
}
