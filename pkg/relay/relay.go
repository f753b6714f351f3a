// Package relay copies bytes between two established streams in both
// directions until either side finishes. It has no protocol awareness;
// the SOCKS5 server hands it the client and target connections after a
// successful CONNECT or BIND, and any other stream proxy can reuse it.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
)

// copyBufferSize is the per-direction buffer size.
const copyBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, copyBufferSize) },
}

var benignErrors = []error{
	io.EOF,
	io.ErrClosedPipe,
	net.ErrClosed,
}

var benignErrnos = map[syscall.Errno]bool{
	syscall.EPIPE:      true, // broken pipe
	syscall.ECONNRESET: true, // connection reset by peer
	syscall.ENOTCONN:   true, // transport endpoint is not connected
	syscall.ETIMEDOUT:  true, // connection timed out
	10053:              true, // wsasend: connection aborted by host software
	10054:              true, // wsarecv: connection forcibly closed by remote host
}

// IsBenign reports whether err is an expected teardown condition (EOF,
// reset, closed socket) rather than a relay failure. A peer hanging up
// is normal behavior for a relay, not an error.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}

	for _, benign := range benignErrors {
		if errors.Is(err, benign) {
			return true
		}
	}

	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}

	// Some network stacks wrap the errno in a plain string error.
	if opErr.Err.Error() == syscall.ECONNRESET.Error() {
		return true
	}

	var sysErr *os.SyscallError
	if !errors.As(opErr.Err, &sysErr) {
		return false
	}
	if errno, ok := sysErr.Err.(syscall.Errno); ok {
		return benignErrnos[errno]
	}
	return false
}

// Pipe copies concurrently in both directions between a and b until both
// directions have finished, and returns the first non-benign error, if
// any. When one direction ends, the opposite stream is half-closed
// (CloseWrite when available, Close otherwise) so its peer observes EOF.
func Pipe(a, b io.ReadWriter) error {
	wait := make(chan error, 1)
	go func() {
		_, err := copyStream(b, a)
		closeWrite(b)
		closeRead(a)
		wait <- err
	}()

	_, err := copyStream(a, b)
	closeWrite(a)
	closeRead(b)
	errBack := <-wait

	if !IsBenign(errBack) {
		return errBack
	}
	if !IsBenign(err) {
		return err
	}
	return nil
}

// PipeContext runs Pipe and tears both streams down when ctx is
// canceled. Cancellation is reported as the context's error even though
// the closed streams surface benign errors internally.
func PipeContext(ctx context.Context, a, b io.ReadWriter) error {
	stop := context.AfterFunc(ctx, func() {
		closeStream(a)
		closeStream(b)
	})
	defer stop()

	err := Pipe(a, b)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func closeRead(rw io.ReadWriter) {
	if cr, ok := rw.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
}

func closeWrite(rw io.ReadWriter) {
	if cw, ok := rw.(interface{ CloseWrite() error }); ok {
		if cw.CloseWrite() == nil {
			return
		}
	}
	closeStream(rw)
}

func closeStream(rw io.ReadWriter) {
	if c, ok := rw.(io.Closer); ok {
		_ = c.Close()
	}
}

// copyStream is io.Copy with a pooled buffer. The wrapper types strip
// ReadFrom/WriteTo so io.CopyBuffer actually uses the pooled buffer.
func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	return io.CopyBuffer(writeOnly{dst}, readOnly{src}, buf)
}

type readOnly struct{ io.Reader }

type writeOnly struct{ io.Writer }
