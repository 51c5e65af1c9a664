package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ Pipe = (*TransportPipe)(nil)
	_ Pipe = (*chanPipe)(nil)
)

// TransportPipe adapts a joined transport capability into an RPC pipe on the
// reserved "rpc" topic. Inbound streams from every peer merge into one frame
// channel; the per-topic FIFO guarantee of the transport preserves request
// ordering per peer.
type TransportPipe struct {
	writer transport.TextWriter

	mu     sync.Mutex
	frames chan []byte
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTransportPipe opens the outbound rpc stream and installs the inbound
// handler. Call it once per capability, after joining the room and before
// creating the endpoint.
func NewTransportPipe(ctx context.Context, cap transport.Capability) (*TransportPipe, error) {
	w, err := cap.SendStreamText(ctx, transport.RPCTopic)
	if err != nil {
		return nil, err
	}
	p := &TransportPipe{
		writer: w,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	cap.RegisterTextHandler(transport.RPCTopic, p.onStream)
	return p, nil
}

// onStream merges one peer's inbound stream into the frame channel. It must
// not outlive Close: an idle peer stream would otherwise pin Close's wait,
// so every receive and send also selects on done.
func (p *TransportPipe) onStream(chunks <-chan []byte, _ string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			select {
			case p.frames <- chunk:
			case <-p.done:
				return
			}
		case <-p.done:
			return
		}
	}
}

// Send implements Pipe.
func (p *TransportPipe) Send(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return lifeerr.New(lifeerr.Unknown, "rpc: pipe is closed")
	}
	return p.writer.Write(frame)
}

// Frames implements Pipe.
func (p *TransportPipe) Frames() <-chan []byte { return p.frames }

// Close implements Pipe.
func (p *TransportPipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	err := p.writer.Close()
	p.wg.Wait()
	close(p.frames)
	return err
}

// ---- in-memory pipe ----

// chanPipe is one end of an in-memory duplex pipe.
type chanPipe struct {
	out chan<- []byte
	in  <-chan []byte

	mu       sync.Mutex
	closed   bool
	closeOut func()
}

// NewPipePair creates two connected in-memory pipes, used to wire a local
// pair of endpoints (and by tests).
func NewPipePair() (Pipe, Pipe) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	var onceAB, onceBA sync.Once
	a := &chanPipe{out: ab, in: ba, closeOut: func() { onceAB.Do(func() { close(ab) }) }}
	b := &chanPipe{out: ba, in: ab, closeOut: func() { onceBA.Do(func() { close(ba) }) }}
	return a, b
}

func (p *chanPipe) Send(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("rpc: pipe is closed")
	}
	p.mu.Unlock()

	select {
	case p.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chanPipe) Frames() <-chan []byte { return p.in }

func (p *chanPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeOut()
	return nil
}
