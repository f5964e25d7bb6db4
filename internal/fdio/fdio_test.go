package fdio_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rvail/pgarc/internal/fdio"
)

// newPipe returns the read end wrapped in a Reader plus the raw write end.
func newPipe(t *testing.T, timeout time.Duration) (*fdio.Reader, *os.File) {
	t.Helper()
	rf, wf, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		rf.Close()
		wf.Close()
	})

	r, err := fdio.NewReader("test pipe", int(rf.Fd()), timeout)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r, wf
}

func TestNewReaderInvalidDescriptor(t *testing.T) {
	_, err := fdio.NewReader("bogus", -1, time.Second)
	if err == nil {
		t.Fatal("expected error for negative descriptor")
	}

	var cfgErr *fdio.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *fdio.ConfigError", err)
	}
	if cfgErr.Name != "bogus" || cfgErr.Fd != -1 {
		t.Errorf("ConfigError = %+v, want Name=bogus Fd=-1", cfgErr)
	}
}

func TestNewReaderDescriptorBeyondSetSize(t *testing.T) {
	// Descriptors at or beyond FD_SETSIZE cannot be registered in a select(2)
	// set; constructing a Reader over one must fail rather than panic later.
	_, err := fdio.NewReader("pipe", unix.FD_SETSIZE, time.Second)
	if err == nil {
		t.Fatal("expected error for descriptor beyond the select set capacity")
	}

	var cfgErr *fdio.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *fdio.ConfigError", err)
	}
	if cfgErr.Fd != unix.FD_SETSIZE {
		t.Errorf("ConfigError.Fd = %d, want %d", cfgErr.Fd, unix.FD_SETSIZE)
	}
}

func TestReadBlockingUntilEOF(t *testing.T) {
	r, wf := newPipe(t, 5*time.Second)

	// Source delivers 10 bytes then closes.
	if _, err := wf.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	wf.Close()

	buf := make([]byte, 20)
	n, err := r.Read(buf, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 10 {
		t.Errorf("bytes read = %d, want 10", n)
	}
	if string(buf[:n]) != "0123456789" {
		t.Errorf("data = %q, want %q", buf[:n], "0123456789")
	}
	if !r.EOF() {
		t.Error("EOF() = false after stream closed, want true")
	}

	// Post-EOF reads return 0 repeatedly with no I/O.
	for i := 0; i < 3; i++ {
		n, err := r.Read(buf, true)
		if err != nil {
			t.Fatalf("Read after EOF: %v", err)
		}
		if n != 0 {
			t.Errorf("Read after EOF = %d, want 0", n)
		}
	}
	if !r.EOF() {
		t.Error("EOF() reverted to false")
	}
}

func TestReadBlockingFillsBuffer(t *testing.T) {
	r, wf := newPipe(t, 5*time.Second)

	// Writer delivers the data in small chunks; a blocking read must not
	// return short while capacity remains and the stream is open.
	go func() {
		for i := 0; i < 4; i++ {
			wf.Write([]byte("abcd"))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	buf := make([]byte, 16)
	n, err := r.Read(buf, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 16 {
		t.Errorf("bytes read = %d, want full buffer 16", n)
	}
	if r.EOF() {
		t.Error("EOF() = true while stream still open")
	}
}

func TestReadNonBlockingPartial(t *testing.T) {
	r, wf := newPipe(t, 5*time.Second)

	if _, err := wf.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := r.Read(buf, false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 {
		t.Errorf("bytes read = %d, want 5 (single cycle, partial fill)", n)
	}
	if r.EOF() {
		t.Error("EOF() = true, want false")
	}
}

func TestReadTimeout(t *testing.T) {
	r, _ := newPipe(t, 100*time.Millisecond)

	buf := make([]byte, 8)
	start := time.Now()
	n, err := r.Read(buf, true)
	elapsed := time.Since(start)

	if n != 0 {
		t.Errorf("bytes read = %d, want 0", n)
	}

	var toErr *fdio.ReadTimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("error type = %T, want *fdio.ReadTimeoutError", err)
	}
	if toErr.Name != "test pipe" {
		t.Errorf("timeout error names %q, want %q", toErr.Name, "test pipe")
	}
	if toErr.Timeout != 100*time.Millisecond {
		t.Errorf("timeout error carries %v, want 100ms", toErr.Timeout)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("Read returned after %v, want ~100ms", elapsed)
	}
}

func TestReadTimeoutRearmedPerCall(t *testing.T) {
	r, wf := newPipe(t, 200*time.Millisecond)

	// Two consecutive calls each get the full timeout; a write arriving 150ms
	// into the second call must still be delivered.
	buf := make([]byte, 8)
	if _, err := r.Read(buf, false); err == nil {
		t.Fatal("expected timeout on first call")
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		wf.Write([]byte("x"))
	}()

	n, err := r.Read(buf, false)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if n != 1 {
		t.Errorf("bytes read = %d, want 1", n)
	}
}

func TestReadEmptyBufferPanics(t *testing.T) {
	r, _ := newPipe(t, time.Second)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero-capacity buffer")
		}
	}()
	r.Read(nil, true)
}

func TestFd(t *testing.T) {
	rf, wf, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer rf.Close()
	defer wf.Close()

	r, err := fdio.NewReader("fd check", int(rf.Fd()), time.Second)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Fd() != int(rf.Fd()) {
		t.Errorf("Fd() = %d, want %d", r.Fd(), int(rf.Fd()))
	}
}
