package process

import (
	"bytes"
	"sync"
)

// DefaultLogLines is the ring capacity used when a spec leaves it unset.
const DefaultLogLines = 200

const maxPartialLine = 4096

// Ring keeps the most recent output lines of an encoder.
// Each added line gets a sequence number so followers can ask for what they missed.
type Ring struct {
	mu    sync.Mutex
	lines []string
	start int
	n     int
	seq   uint64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &Ring{lines: make([]string, capacity)}
}

func (r *Ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := len(r.lines)
	if r.n < c {
		r.lines[(r.start+r.n)%c] = line
		r.n++
	} else {
		r.lines[r.start] = line
		r.start = (r.start + 1) % c
	}
	r.seq++
}

// Last returns up to n most recent lines, oldest first. n <= 0 returns everything held.
func (r *Ring) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last(n)
}

func (r *Ring) last(n int) []string {
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]string, 0, n)
	c := len(r.lines)
	for i := r.n - n; i < r.n; i++ {
		out = append(out, r.lines[(r.start+i)%c])
	}
	return out
}

// Since returns the lines added after sequence number seq and the current sequence.
// Lines that already fell out of the ring are skipped.
func (r *Ring) Since(seq uint64) ([]string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq >= r.seq {
		return nil, r.seq
	}
	missing := r.seq - seq
	if missing > uint64(r.n) {
		missing = uint64(r.n)
	}
	return r.last(int(missing)), r.seq
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// lineWriter splits a byte stream into lines on '\n' or '\r' and feeds a Ring.
// ffmpeg rewrites its progress line with '\r', so both count as terminators.
type lineWriter struct {
	mu   sync.Mutex
	ring *Ring
	buf  bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emit()
			continue
		}
		if w.buf.Len() >= maxPartialLine {
			w.emit()
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	w.emit()
	w.mu.Unlock()
}

func (w *lineWriter) emit() {
	if w.buf.Len() == 0 {
		return
	}
	w.ring.Add(w.buf.String())
	w.buf.Reset()
}
