// Package ipc implements the control channel between the supervisor and its
// worker processes: newline-delimited canonical frames over the child's
// stdin and stdout, carrying the same RPC protocol as the realtime
// transport's rpc topic.
//
// The supervisor side spawns workers with [Spawn]; the worker side attaches
// to its inherited descriptors with [Stdio]. Worker stderr stays a plain log
// stream and never carries frames.
package ipc

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/pkg/lifeerr"
)

// maxFrameSize bounds a single control frame. Plugin contexts can be large;
// audio never travels on this channel.
const maxFrameSize = 16 << 20

// Compile-time interface assertion.
var _ rpc.Pipe = (*Pipe)(nil)

// Pipe is an rpc.Pipe over a byte stream pair. Frames are canonical JSON,
// one per line.
type Pipe struct {
	w io.Writer

	mu     sync.Mutex
	closed bool

	frames  chan []byte
	closers []io.Closer
}

// NewPipe creates a pipe reading frames from r and writing them to w. Any
// closers given are closed, in order, when the pipe closes. The read loop
// starts immediately.
func NewPipe(r io.Reader, w io.Writer, closers ...io.Closer) *Pipe {
	p := &Pipe{
		w:       w,
		frames:  make(chan []byte, 64),
		closers: closers,
	}
	go p.readLoop(r)
	return p
}

func (p *Pipe) readLoop(r io.Reader) {
	defer close(p.frames)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		p.frames <- frame
	}
}

// Send implements rpc.Pipe. Frames are canonical JSON and therefore never
// contain raw newlines.
func (p *Pipe) Send(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return lifeerr.New(lifeerr.Unknown, "ipc: pipe is closed")
	}
	if _, err := p.w.Write(append(frame, '\n')); err != nil {
		return lifeerr.Wrap(lifeerr.Unknown, err)
	}
	return nil
}

// Frames implements rpc.Pipe. The channel closes when the peer's stream
// ends.
func (p *Pipe) Frames() <-chan []byte { return p.frames }

// Close implements rpc.Pipe.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
