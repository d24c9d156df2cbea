package asyncproc

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrUnknownProcess is returned by Manager operations that reference an id
// with no live entry, whether it was reaped or never issued.
var ErrUnknownProcess = errors.New("asyncproc: unknown process id")

/*
A Manager tracks processes behind opaque integer handles.

It exists for the case where process control must be exposed across a
boundary - an API surface, a plugin host - without leaking native process
references. Within a single program it is usually better to hold Process
values directly.

Handles start at 1, increase strictly, and are never reused, even after the
process behind one has been reaped.
*/
type Manager struct {
	mu     sync.Mutex
	nextID int
	procs  map[int]*Process
}

func NewManager() *Manager {
	return &Manager{procs: make(map[int]*Process)}
}

// Start spawns a process in the background and returns its handle. Note
// that the handle is not the OS process id.
func (m *Manager) Start(spec Spec) (int, error) {
	proc, err := New(spec)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.procs[id] = proc
	m.mu.Unlock()
	return id, nil
}

// Pid returns the OS process id behind a handle.
func (m *Manager) Pid(id int) (int, error) {
	proc, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return proc.Pid(), nil
}

// Kill delivers sig to the process behind a handle.
func (m *Manager) Kill(id int, sig os.Signal) error {
	proc, err := m.lookup(id)
	if err != nil {
		return err
	}
	return proc.Kill(sig)
}

// Terminate shuts down the process behind a handle with escalating force.
func (m *Manager) Terminate(id, gracePeriod int) (ExitStatus, error) {
	proc, err := m.lookup(id)
	if err != nil {
		return ExitStatus{}, err
	}
	return proc.Terminate(gracePeriod)
}

// Write queues data for the stdin of the process behind a handle.
func (m *Manager) Write(id int, data []byte) error {
	proc, err := m.lookup(id)
	if err != nil {
		return err
	}
	return proc.Write(data)
}

// CloseInput delivers EOF to the process behind a handle once its pending
// input has drained.
func (m *Manager) CloseInput(id int) error {
	proc, err := m.lookup(id)
	if err != nil {
		return err
	}
	return proc.CloseInput()
}

// Read returns and clears the accumulated stdout of the process behind a
// handle.
func (m *Manager) Read(id int) ([]byte, error) {
	proc, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return proc.Read(), nil
}

// ReadErr is Read for stderr.
func (m *Manager) ReadErr(id int) ([]byte, error) {
	proc, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return proc.ReadErr(), nil
}

// ReadBoth returns and clears both accumulated streams in one atomic step.
func (m *Manager) ReadBoth(id int) (stdout, stderr []byte, err error) {
	proc, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	stdout, stderr = proc.ReadBoth()
	return stdout, stderr, nil
}

// Wait blocks until the process behind a handle has exited and returns its
// status. The process stays tracked after Wait, so its remaining output can
// still be read; use Reap to retire it.
func (m *Manager) Wait(id int) (ExitStatus, error) {
	proc, err := m.lookup(id)
	if err != nil {
		return ExitStatus{}, err
	}
	return proc.Wait()
}

// Poll is the non-blocking form of Wait; the bool is false while the
// process is still running.
func (m *Manager) Poll(id int) (ExitStatus, bool, error) {
	proc, err := m.lookup(id)
	if err != nil {
		return ExitStatus{}, false, err
	}
	st, exited := proc.Poll()
	return st, exited, nil
}

// Reap collects the process behind a handle and retires the handle. A
// still-running process is killed without pardon. The handle is permanently
// invalid afterwards; it is never reassigned.
func (m *Manager) Reap(id int) error {
	proc, err := m.lookup(id)
	if err != nil {
		return err
	}

	if _, exited := proc.Poll(); !exited {
		if err := proc.Kill(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	if _, err := proc.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()
	return nil
}

// ReapAll reaps every tracked process. Reaping mutates the tracked set, so
// the iteration runs over a snapshot of the ids; an id reaped concurrently
// by someone else is skipped.
func (m *Manager) ReapAll() error {
	m.mu.Lock()
	ids := make([]int, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Ints(ids)

	for _, id := range ids {
		if err := m.Reap(id); err != nil && !errors.Is(err, ErrUnknownProcess) {
			return err
		}
	}
	return nil
}

func (m *Manager) lookup(id int) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProcess, id)
	}
	return proc, nil
}
