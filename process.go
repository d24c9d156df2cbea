package asyncproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// readChunk is the most a reader takes from its pipe per read.
const readChunk = 64 * 1024

// ErrStdinNotPiped is returned by Write and CloseInput when the process was
// spawned without a stdin pipe.
var ErrStdinNotPiped = errors.New("asyncproc: stdin is not a pipe")

/*
A Process is a child process whose streams are drained in the background.

One goroutine per enabled output stream collects stdout and stderr into
in-memory buffers, so the child never blocks on a full pipe even if the
caller never reads. A feeder goroutine drains queued input into stdin, so
Write never blocks the caller even if the child stops reading. A Process is
safe for concurrent use.

Wait is the synchronization point: after it returns, Read and ReadErr
deliver the child's complete output. Before that they deliver whatever has
accumulated so far, which is valid but partial.
*/
type Process struct {
	cmd   *exec.Cmd
	stdin *os.File // write end of the stdin pipe; nil if not piped

	mu      sync.Mutex
	more    *sync.Cond // wakes the feeder when pending or quit changes
	pending [][]byte
	outBuf  []byte
	errBuf  []byte
	quit    bool
	status  *ExitStatus // set once, by waitLoop
	waitErr error       // non-exit error from reaping, read after exited

	exited  chan struct{} // closed by waitLoop once the child is reaped
	outDone chan struct{} // closed when the stdout reader finishes
	errDone chan struct{}

	finishOnce sync.Once
	stdinOnce  sync.Once
}

// New spawns the process described by spec and starts one background
// goroutine per enabled stream.
func New(spec Spec) (*Process, error) {
	cmd, err := spec.buildCmd()
	if err != nil {
		return nil, err
	}

	p := &Process{
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	p.more = sync.NewCond(&p.mu)

	var childEnds, parentEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	var outR, errR *os.File
	if spec.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("asyncproc: stdin pipe: %w", err)
		}
		cmd.Stdin = r
		p.stdin = w
		childEnds = append(childEnds, r)
		parentEnds = append(parentEnds, w)
	}
	if spec.Stdout {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			closeAll(parentEnds)
			return nil, fmt.Errorf("asyncproc: stdout pipe: %w", err)
		}
		cmd.Stdout = w
		outR = r
		childEnds = append(childEnds, w)
		parentEnds = append(parentEnds, r)
	}
	if spec.Stderr {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			closeAll(parentEnds)
			return nil, fmt.Errorf("asyncproc: stderr pipe: %w", err)
		}
		cmd.Stderr = w
		errR = r
		childEnds = append(childEnds, w)
		parentEnds = append(parentEnds, r)
	}

	if err := cmd.Start(); err != nil {
		closeAll(childEnds)
		closeAll(parentEnds)
		return nil, fmt.Errorf("asyncproc: start: %w", err)
	}

	// The child holds duplicates of these now; releasing ours is what lets
	// the readers see EOF when the child exits.
	closeAll(childEnds)

	if p.stdin != nil {
		go p.feed()
	}
	if outR != nil {
		p.outDone = make(chan struct{})
		go p.drain(outR, &p.outBuf, p.outDone)
	}
	if errR != nil {
		p.errDone = make(chan struct{})
		go p.drain(errR, &p.errBuf, p.errDone)
	}
	go p.waitLoop()

	return p, nil
}

// Pid returns the operating system process id. The OS may reuse it once the
// child has been reaped, so it must not serve as a long-lived key.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Write queues data for the child's stdin and returns immediately. The
// queue is unbounded: a child that stops draining its input never blocks
// the caller, at the cost of memory. Returns ErrStdinNotPiped if the
// process was spawned without a stdin pipe.
func (p *Process) Write(data []byte) error {
	if p.stdin == nil {
		return ErrStdinNotPiped
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	p.mu.Lock()
	p.pending = append(p.pending, buf)
	p.mu.Unlock()
	p.more.Signal()
	return nil
}

// CloseInput asks the feeder to close the child's stdin once the pending
// queue has drained, delivering EOF to the child. It is idempotent.
func (p *Process) CloseInput() error {
	if p.stdin == nil {
		return ErrStdinNotPiped
	}
	p.requestQuit()
	return nil
}

// Read returns the stdout bytes accumulated since the previous Read and
// clears them. It never blocks. Across calls, bytes are delivered exactly
// once, in stream order.
func (p *Process) Read() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeOut()
}

// ReadErr is Read for stderr.
func (p *Process) ReadErr() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeErr()
}

// ReadBoth returns and clears both buffers in one atomic step.
func (p *Process) ReadBoth() (stdout, stderr []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeOut(), p.takeErr()
}

// Peek returns copies of both accumulated buffers without consuming them.
func (p *Process) Peek() (stdout, stderr []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.outBuf...), append([]byte(nil), p.errBuf...)
}

// Wait blocks until the child has exited, stops the feeder, and joins the
// readers, so that reads taken afterwards see the child's complete output.
// It may be called any number of times, concurrently; the status from the
// first observation is returned unchanged ever after, even though the
// OS-level record has long been reaped.
func (p *Process) Wait() (ExitStatus, error) {
	<-p.exited
	p.finish()

	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.status, p.waitErr
}

// Poll is the non-blocking form of Wait. While the child is still running
// it returns false with no side effects.
func (p *Process) Poll() (ExitStatus, bool) {
	select {
	case <-p.exited:
	default:
		return ExitStatus{}, false
	}
	p.finish()

	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.status, true
}

// Kill delivers sig to the child. Once the exit status is known the child
// no longer exists as a signal target, and Kill reports os.ErrProcessDone;
// any other delivery failure is surfaced with the originating OS error.
func (p *Process) Kill(sig os.Signal) error {
	p.mu.Lock()
	gone := p.status != nil
	p.mu.Unlock()
	if gone {
		return fmt.Errorf("asyncproc: kill pid %d: %w", p.Pid(), os.ErrProcessDone)
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("asyncproc: kill pid %d: %w", p.Pid(), err)
	}
	return nil
}

// Terminate shuts the child down with escalating force: EOF on stdin, then
// SIGTERM, then SIGKILL. The child is allowed gracePeriod seconds at each
// of the first two stages before escalation; the SIGKILL stage waits
// unboundedly. Total elapsed time is therefore at most about twice the
// grace period. The status from whichever stage the child actually exited
// at is returned.
//
// If the process was spawned without a stdin pipe the EOF stage is skipped.
// gracePeriod is in whole seconds and must be at least 1.
func (p *Process) Terminate(gracePeriod int) (ExitStatus, error) {
	if gracePeriod < 1 {
		return ExitStatus{}, fmt.Errorf("asyncproc: grace period must be at least 1 second, got %d", gracePeriod)
	}

	if p.stdin != nil {
		p.requestQuit()
		st, err := WithTimeout(gracePeriod, p.Wait)
		if !errors.Is(err, ErrTimeout) {
			return st, err
		}
	}

	if err := p.Kill(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ExitStatus{}, err
	}
	st, err := WithTimeout(gracePeriod, p.Wait)
	if !errors.Is(err, ErrTimeout) {
		return st, err
	}

	if err := p.Kill(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ExitStatus{}, err
	}
	return p.Wait()
}

// Close is the disposal safety net: if the exit status was never observed,
// the child is killed outright, best-effort. It does not wait for the kill
// to take effect; use Wait or Manager.Reap to collect the child.
func (p *Process) Close() error {
	p.mu.Lock()
	running := p.status == nil
	p.mu.Unlock()
	if !running {
		return nil
	}
	if err := p.cmd.Process.Signal(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("asyncproc: close pid %d: %w", p.Pid(), err)
	}
	return nil
}

// takeOut and takeErr snapshot-and-clear a buffer; callers hold mu.
func (p *Process) takeOut() []byte {
	out := p.outBuf
	p.outBuf = nil
	return out
}

func (p *Process) takeErr() []byte {
	errData := p.errBuf
	p.errBuf = nil
	return errData
}

func (p *Process) requestQuit() {
	p.mu.Lock()
	p.quit = true
	p.mu.Unlock()
	p.more.Signal()
}

// finish runs once, after exit: it stops the feeder and joins the readers,
// guaranteeing that reads taken afterwards are complete.
func (p *Process) finish() {
	p.finishOnce.Do(func() {
		if p.stdin != nil {
			p.requestQuit()
		}
		if p.outDone != nil {
			<-p.outDone
		}
		if p.errDone != nil {
			<-p.errDone
		}
	})
}

// waitLoop reaps the child exactly once. Everyone else learns of the exit
// through the exited channel.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	st := ExitStatus{}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			st = statusOf(ee.ProcessState)
			err = nil
		} else {
			st = ExitStatus{Code: -1}
			err = fmt.Errorf("asyncproc: wait: %w", err)
		}
	}

	p.mu.Lock()
	p.status = &st
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// drain reads the stream until end of input, appending to buf under the
// lock. The reader owns closing its end of the pipe. Reads happen outside
// the lock, so a stalled consumer of one stream never starves the other.
func (p *Process) drain(r *os.File, buf *[]byte, done chan struct{}) {
	defer close(done)
	defer r.Close()

	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			*buf = append(*buf, chunk[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// feed drains the pending queue into the child's stdin. Writes happen
// outside the lock, so a slow child never stalls other calls. Once the
// queue is empty and quit has been requested, the write end is closed and
// the child sees EOF.
func (p *Process) feed() {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.quit {
			p.more.Wait()
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			p.closeStdin()
			return
		}
		data := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		if _, err := p.stdin.Write(data); err != nil {
			// The child end is gone; queued input has nowhere to go.
			p.closeStdin()
			return
		}
	}
}

func (p *Process) closeStdin() {
	p.stdinOnce.Do(func() {
		p.stdin.Close()
	})
}
