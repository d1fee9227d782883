package proc

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/tracectl/tracectl/pkg/logflags"
)

// pipeChunkSize is the maximum amount read by a single unsized receive.
const pipeChunkSize = 4096

// pipeChannel is one directional byte conduit to the child. Bytes read past
// what the caller asked for (line reads) are kept in buf for the next
// receive.
type pipeChannel struct {
	f   *os.File
	fd  int
	buf []byte
}

// PipeManager multiplexes the three standard streams of the child process.
// Receives are bounded by an explicit deadline; there is no process-wide
// default timeout.
type PipeManager struct {
	stdin  *os.File
	stdout *pipeChannel
	stderr *pipeChannel

	log *logrus.Entry
}

// NewPipeManager wraps the parent-side descriptors of the child's standard
// streams. Any of the three may be nil, in which case the corresponding
// operations fail with a channel-unavailable error.
func NewPipeManager(stdinWrite, stdoutRead, stderrRead *os.File) *PipeManager {
	p := &PipeManager{stdin: stdinWrite, log: logflags.PipeLogger()}
	if stdoutRead != nil {
		p.stdout = &pipeChannel{f: stdoutRead, fd: int(stdoutRead.Fd())}
	}
	if stderrRead != nil {
		p.stderr = &pipeChannel{f: stderrRead, fd: int(stderrRead.Fd())}
	}
	return p
}

// Recv waits up to timeout for any data on the child's stdout and returns at
// most one chunk of 4096 bytes. An empty result means the deadline elapsed
// with nothing ready; that is not an error.
func (p *PipeManager) Recv(timeout time.Duration) ([]byte, error) {
	if p.stdout == nil {
		return nil, ErrNoReadChannel
	}
	return p.stdout.recvChunk(timeout)
}

// RecvN receives up to numb bytes from the child's stdout, waiting no longer
// than timeout overall. The deadline is recomputed from the wall clock on
// every pass, so a slow trickle of data cannot extend it. A short read on
// timeout is not an error.
func (p *PipeManager) RecvN(numb int, timeout time.Duration) ([]byte, error) {
	if p.stdout == nil {
		return nil, ErrNoReadChannel
	}
	if numb < 0 {
		return nil, InvalidArgumentError{"the number of bytes to receive must be positive"}
	}
	return p.stdout.recvN(numb, timeout)
}

// RecvLine receives a single line from the child's stdout, not including the
// trailing newline. If the deadline elapses or the channel closes before a
// newline arrives, whatever was buffered is returned.
func (p *PipeManager) RecvLine(timeout time.Duration) ([]byte, error) {
	if p.stdout == nil {
		return nil, ErrNoReadChannel
	}
	return p.stdout.recvLine(timeout)
}

// RecvErr is Recv on the child's stderr.
func (p *PipeManager) RecvErr(timeout time.Duration) ([]byte, error) {
	if p.stderr == nil {
		return nil, ErrNoReadChannel
	}
	return p.stderr.recvChunk(timeout)
}

// RecvErrN is RecvN on the child's stderr.
func (p *PipeManager) RecvErrN(numb int, timeout time.Duration) ([]byte, error) {
	if p.stderr == nil {
		return nil, ErrNoReadChannel
	}
	if numb < 0 {
		return nil, InvalidArgumentError{"the number of bytes to receive must be positive"}
	}
	return p.stderr.recvN(numb, timeout)
}

// RecvErrLine is RecvLine on the child's stderr.
func (p *PipeManager) RecvErrLine(timeout time.Duration) ([]byte, error) {
	if p.stderr == nil {
		return nil, ErrNoReadChannel
	}
	return p.stderr.recvLine(timeout)
}

// Send writes data to the child's stdin synchronously.
func (p *PipeManager) Send(data []byte) (int, error) {
	if p.stdin == nil {
		return 0, ErrNoWriteChannel
	}
	n, err := p.stdin.Write(data)
	if err != nil {
		p.log.Debugf("stdin write failed after %d bytes: %v", n, err)
		return n, ChannelBrokenError{Op: "write", Err: err}
	}
	return n, nil
}

// SendLine writes data followed by a newline to the child's stdin.
func (p *PipeManager) SendLine(data []byte) (int, error) {
	return p.Send(append(append([]byte{}, data...), '\n'))
}

// Close releases all pipe descriptors. Receives already in flight observe
// the closed channel as end-of-data. Close is idempotent.
func (p *PipeManager) Close() {
	p.log.Debugf("closing pipe descriptors")
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	if p.stdout != nil {
		p.stdout.f.Close()
		p.stdout = nil
	}
	if p.stderr != nil {
		p.stderr.f.Close()
		p.stderr = nil
	}
}

func (c *pipeChannel) recvChunk(timeout time.Duration) ([]byte, error) {
	if len(c.buf) > 0 {
		data := c.buf
		if len(data) > pipeChunkSize {
			data = data[:pipeChunkSize]
		}
		c.buf = c.buf[len(data):]
		return data, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		ready, err := waitReadable(c.fd, time.Until(deadline))
		if err == sys.EINTR {
			continue
		}
		if err != nil || !ready {
			// Deadline elapsed with nothing ready, or the descriptor went
			// away under us; both return an empty result.
			return []byte{}, nil
		}
		data := make([]byte, pipeChunkSize)
		n, err := sys.Read(c.fd, data)
		if n <= 0 || err != nil {
			return []byte{}, nil
		}
		return data[:n], nil
	}
}

func (c *pipeChannel) recvN(numb int, timeout time.Duration) ([]byte, error) {
	data := []byte{}
	if len(c.buf) > 0 {
		take := numb
		if take > len(c.buf) {
			take = len(c.buf)
		}
		data = append(data, c.buf[:take]...)
		c.buf = c.buf[take:]
		numb -= take
	}

	deadline := time.Now().Add(timeout)
	tmp := make([]byte, pipeChunkSize)
	for numb > 0 {
		now := time.Now()
		if now.After(deadline) {
			break
		}
		ready, err := waitReadable(c.fd, deadline.Sub(now))
		if err == sys.EINTR {
			continue
		}
		if err != nil || !ready {
			break
		}
		want := numb
		if want > len(tmp) {
			want = len(tmp)
		}
		n, err := sys.Read(c.fd, tmp[:want])
		if n <= 0 || err != nil {
			// Zero read: the channel closed, return what we have.
			break
		}
		data = append(data, tmp[:n]...)
		numb -= n
	}
	return data, nil
}

func (c *pipeChannel) recvLine(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			line := c.buf[:i]
			c.buf = c.buf[i+1:]
			return line, nil
		}
		now := time.Now()
		if now.After(deadline) {
			break
		}
		ready, err := waitReadable(c.fd, deadline.Sub(now))
		if err == sys.EINTR {
			continue
		}
		if err != nil || !ready {
			break
		}
		tmp := make([]byte, pipeChunkSize)
		n, err := sys.Read(c.fd, tmp)
		if n <= 0 || err != nil {
			break
		}
		c.buf = append(c.buf, tmp[:n]...)
	}
	line := c.buf
	c.buf = nil
	return line, nil
}

// waitReadable blocks until fd becomes readable or the timeout elapses.
// Negative timeouts are clamped to zero so that callers recomputing a
// deadline never wait unboundedly.
func waitReadable(fd int, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	tv := sys.NsecToTimeval(timeout.Nanoseconds())
	var rset sys.FdSet
	rset.Zero()
	rset.Set(fd)
	n, err := sys.Select(fd+1, &rset, nil, nil, &tv)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
