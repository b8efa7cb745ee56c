package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/anji4cp/streamnexus/internal/stream"
)

// ExitReason classifies how an encoder ended.
type ExitReason string

const (
	ExitNormal  ExitReason = "normal"
	ExitKilled  ExitReason = "killed"
	ExitCrashed ExitReason = "crashed"
)

// killWait bounds how long Stop waits for the process to be reaped after SIGKILL.
const killWait = 5 * time.Second

// Exit is the single notification a Handle emits when its process ends.
type Exit struct {
	Key        string
	Generation uint64
	PID        int
	Reason     ExitReason
	Code       int
	Signal     string
	At         time.Time
	Err        error
}

// CrashErr returns the typed crash error for crashed exits and nil otherwise.
func (e Exit) CrashErr() error {
	if e.Reason != ExitCrashed {
		return nil
	}
	return &stream.CrashError{Code: e.Code, Signal: e.Signal}
}

// Handle wraps one running encoder process.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	ring      *Ring
	lw        *lineWriter
	startedAt time.Time
	temp      []string

	mu       sync.Mutex
	stopping bool
	exited   bool
	exit     Exit
	done     chan struct{}
}

// Start spawns the encoder described by spec. The exit is delivered once on events;
// the send is abandoned when quit is closed. events may be nil.
func Start(spec Spec, events chan<- Exit, quit <-chan struct{}) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrSpawnFailed, err)
	}
	name, args, temp, err := spec.commandLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrSpawnFailed, err)
	}
	ring := NewRing(spec.LogLines)
	lw := &lineWriter{ring: ring}
	var out io.Writer = lw
	if spec.Output != nil {
		out = io.MultiWriter(lw, spec.Output)
	}

	cmd := exec.Command(name, args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// children of the encoder may hold the pipes open after it dies
	cmd.WaitDelay = 2 * time.Second
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		removeAll(temp)
		if spec.Output != nil {
			_ = spec.Output.Close()
		}
		return nil, fmt.Errorf("%w: %v", stream.ErrSpawnFailed, err)
	}
	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		ring:      ring,
		lw:        lw,
		startedAt: time.Now(),
		temp:      temp,
		done:      make(chan struct{}),
	}
	go h.wait(events, quit)
	return h, nil
}

func (h *Handle) wait(events chan<- Exit, quit <-chan struct{}) {
	werr := h.cmd.Wait()
	h.lw.Flush()

	ev := Exit{
		Key:        h.spec.Key,
		Generation: h.spec.Generation,
		PID:        h.cmd.Process.Pid,
		At:         time.Now(),
	}
	if ps := h.cmd.ProcessState; ps != nil {
		ev.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ev.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if werr != nil && !errors.As(werr, &exitErr) {
		ev.Err = werr
	}

	h.mu.Lock()
	switch {
	case h.stopping:
		ev.Reason = ExitKilled
	case ev.Code == 0 && ev.Signal == "" && werr == nil:
		ev.Reason = ExitNormal
	default:
		ev.Reason = ExitCrashed
	}
	h.exited = true
	h.exit = ev
	close(h.done)
	h.mu.Unlock()

	removeAll(h.temp)
	if h.spec.Output != nil {
		_ = h.spec.Output.Close()
	}
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-quit:
	}
}

// Stop asks the encoder to terminate, waits up to grace, then kills its process group.
// Stopping an exited handle is a no-op.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return nil
	}
	first := !h.stopping
	h.stopping = true
	h.mu.Unlock()

	pid := h.cmd.Process.Pid
	if first {
		_ = terminateGroup(pid)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	_ = killGroup(pid)
	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("encoder %s (pid %d) did not exit after kill", h.spec.Key, pid)
	}
}

func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Tail returns up to n recent output lines, oldest first.
func (h *Handle) Tail(n int) []string { return h.ring.Last(n) }

// Ring exposes the log buffer for followers.
func (h *Handle) Ring() *Ring { return h.ring }

func (h *Handle) Key() string { return h.spec.Key }
func (h *Handle) Generation() uint64 { return h.spec.Generation }
func (h *Handle) PID() int { return h.cmd.Process.Pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) Done() <-chan struct{} { return h.done }
func (h *Handle) Spec() Spec { return h.spec }

// ExitInfo returns the exit once the process has ended.
func (h *Handle) ExitInfo() (Exit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
