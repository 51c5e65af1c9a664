package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/lifert/life/pkg/audio"
)

// collector records emitted frames in order.
type collector struct {
	mu     sync.Mutex
	frames [][]int16
}

func (c *collector) emit(frame []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *collector) snapshot() [][]int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]int16, len(c.frames))
	copy(out, c.frames)
	return out
}

// ramp produces n samples with values start, start+1, ...
func ramp(start, n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(start + i)
	}
	return s
}

func TestFramerEmitsFullFramesAndDebouncedResidue(t *testing.T) {
	var c collector
	f := audio.NewFramer(c.emit, audio.WithFlushDelay(30*time.Millisecond))
	defer f.Close()

	// 120 + 250 + 90 = 460 samples: two full frames plus a 140-sample residue.
	f.Write(ramp(0, 120))
	f.Write(ramp(120, 250))
	f.Write(ramp(370, 90))

	frames := c.snapshot()
	if len(frames) != 2 {
		t.Fatalf("before flush: %d frames, want 2", len(frames))
	}
	for i, frame := range frames {
		if len(frame) != audio.SamplesPerFrame {
			t.Errorf("frame %d length = %d, want %d", i, len(frame), audio.SamplesPerFrame)
		}
	}

	// Wait past the debounce for the trailing flush.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c.snapshot()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	frames = c.snapshot()
	if len(frames) != 3 {
		t.Fatalf("after flush: %d frames, want 3", len(frames))
	}
	if len(frames[2]) != 140 {
		t.Errorf("residue frame length = %d, want 140", len(frames[2]))
	}

	// Concatenation must reproduce the input bit-identically, in order.
	var all []int16
	for _, frame := range frames {
		all = append(all, frame...)
	}
	if len(all) != 460 {
		t.Fatalf("total samples = %d, want 460", len(all))
	}
	for i, s := range all {
		if s != int16(i) {
			t.Fatalf("sample %d = %d, want %d", i, s, i)
		}
	}
}

func TestFramerFreshWriteCancelsPendingFlush(t *testing.T) {
	var c collector
	f := audio.NewFramer(c.emit, audio.WithFlushDelay(50*time.Millisecond))
	defer f.Close()

	f.Write(ramp(0, 100)) // residue of 100, flush scheduled
	time.Sleep(20 * time.Millisecond)
	f.Write(ramp(100, 100)) // cancels flush; 200 samples -> one frame + 40 residue

	time.Sleep(20 * time.Millisecond) // original timer would have fired by now
	frames := c.snapshot()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want exactly 1 (old flush must be cancelled)", len(frames))
	}
	if len(frames[0]) != audio.SamplesPerFrame {
		t.Errorf("frame length = %d, want %d", len(frames[0]), audio.SamplesPerFrame)
	}
}

func TestFramerExactMultipleLeavesNoResidue(t *testing.T) {
	var c collector
	f := audio.NewFramer(c.emit, audio.WithFlushDelay(10*time.Millisecond))
	defer f.Close()

	f.Write(ramp(0, audio.SamplesPerFrame*3))
	time.Sleep(40 * time.Millisecond)

	frames := c.snapshot()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
}

func TestFramerCloseFlushesResidue(t *testing.T) {
	var c collector
	f := audio.NewFramer(c.emit)

	f.Write(ramp(0, 42))
	f.Close()

	frames := c.snapshot()
	if len(frames) != 1 || len(frames[0]) != 42 {
		t.Fatalf("got %v frames", len(frames))
	}

	f.Write(ramp(0, 500)) // dropped after Close
	if len(c.snapshot()) != 1 {
		t.Error("write after Close must be dropped")
	}
}

func TestSampleByteConversionRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := audio.BytesToSamples(audio.SamplesToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}
