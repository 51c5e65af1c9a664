package audio

import (
	"sync"
	"time"
)

// DefaultFlushDelay is the trailing-flush debounce. TTS providers often emit
// chunks smaller than one frame; 150 ms matches typical inter-chunk latency
// without adding audible end-of-utterance lag.
const DefaultFlushDelay = 150 * time.Millisecond

// FramerOption configures a [Framer] during construction.
type FramerOption func(*Framer)

// WithFlushDelay overrides the trailing-flush debounce. Mainly for tests.
func WithFlushDelay(d time.Duration) FramerOption {
	return func(f *Framer) {
		if d > 0 {
			f.flushDelay = d
		}
	}
}

// Framer coalesces arbitrary-length PCM submissions into frames of exactly
// [SamplesPerFrame] samples. A residue smaller than one frame is held for
// [DefaultFlushDelay] and then emitted as a single short frame; a fresh
// submission before the timer fires cancels the pending flush.
//
// The emit callback is invoked synchronously from Write for full frames and
// from a timer goroutine for the trailing flush. All exported methods are
// safe for concurrent use.
type Framer struct {
	emit       func(frame []int16)
	flushDelay time.Duration

	mu     sync.Mutex
	buf    []int16
	timer  *time.Timer
	closed bool
}

// NewFramer creates a Framer that delivers frames to emit. emit must not be
// nil; it is called with a slice the caller may retain.
func NewFramer(emit func(frame []int16), opts ...FramerOption) *Framer {
	f := &Framer{
		emit:       emit,
		flushDelay: DefaultFlushDelay,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Write appends samples to the internal buffer and emits every complete
// frame. Any residue schedules (or reschedules) the trailing flush.
func (f *Framer) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}

	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()
		return
	}

	// A new submission cancels any pending trailing flush.
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}

	f.buf = append(f.buf, samples...)

	var frames [][]int16
	for len(f.buf) >= SamplesPerFrame {
		frame := make([]int16, SamplesPerFrame)
		copy(frame, f.buf[:SamplesPerFrame])
		frames = append(frames, frame)
		f.buf = f.buf[SamplesPerFrame:]
	}

	if len(f.buf) > 0 {
		f.timer = time.AfterFunc(f.flushDelay, f.flushResidue)
	}

	f.mu.Unlock()

	// Emit outside the lock so the callback can call back into the framer.
	for _, frame := range frames {
		f.emit(frame)
	}
}

// Flush emits any buffered residue immediately and cancels the pending
// trailing-flush timer.
func (f *Framer) Flush() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	residue := f.takeResidueLocked()
	f.mu.Unlock()

	if residue != nil {
		f.emit(residue)
	}
}

// Close flushes the residue and stops the framer. Subsequent writes are
// dropped. Safe to call more than once.
func (f *Framer) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	residue := f.takeResidueLocked()
	f.mu.Unlock()

	if residue != nil {
		f.emit(residue)
	}
}

// flushResidue is the trailing-flush timer callback.
func (f *Framer) flushResidue() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	residue := f.takeResidueLocked()
	f.mu.Unlock()

	if residue != nil {
		f.emit(residue)
	}
}

func (f *Framer) takeResidueLocked() []int16 {
	if len(f.buf) == 0 {
		return nil
	}
	residue := make([]int16, len(f.buf))
	copy(residue, f.buf)
	f.buf = f.buf[:0]
	return residue
}
