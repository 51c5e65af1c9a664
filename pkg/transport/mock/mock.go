// Package mock provides an in-memory transport hub for tests. Peers created
// from the same Hub and joined to the same room exchange text streams and
// audio frames without any network.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Capability = (*Peer)(nil)

const eventBuf = 256

// Hub connects mock peers. The zero value is not usable; call NewHub.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Peer]struct{}

	// ValidateToken, when set, rejects joins whose token it refuses.
	ValidateToken func(room, token string) bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Peer]struct{})}
}

// NewPeer creates an unjoined peer with the given identity.
func (h *Hub) NewPeer(id string) *Peer {
	return &Peer{
		hub:      h,
		id:       id,
		handlers: make(map[string]transport.TextHandler),
		events:   make(chan transport.Event, eventBuf),
	}
}

// Peer is one mock transport endpoint. It implements transport.Capability.
type Peer struct {
	hub *Hub
	id  string

	mu       sync.Mutex
	room     string
	joined   bool
	handlers map[string]transport.TextHandler
	streams  map[streamKey]chan []byte

	events chan transport.Event
}

type streamKey struct {
	peer  *Peer
	topic string
}

// ID returns the peer identity.
func (p *Peer) ID() string { return p.id }

// JoinRoom implements transport.Capability.
func (p *Peer) JoinRoom(_ context.Context, room transport.Room) error {
	if room.Name == "" || room.Token == "" {
		return lifeerr.New(lifeerr.Validation, "mock: room name and token are required")
	}
	if p.hub.ValidateToken != nil && !p.hub.ValidateToken(room.Name, room.Token) {
		return lifeerr.New(lifeerr.Forbidden, "mock: token rejected")
	}

	p.hub.mu.Lock()
	members, ok := p.hub.rooms[room.Name]
	if !ok {
		members = make(map[*Peer]struct{})
		p.hub.rooms[room.Name] = members
	}
	members[p] = struct{}{}
	p.hub.mu.Unlock()

	p.mu.Lock()
	p.room = room.Name
	p.joined = true
	p.streams = make(map[streamKey]chan []byte)
	p.mu.Unlock()

	p.deliver(transport.Event{Kind: transport.Connected})
	return nil
}

// LeaveRoom implements transport.Capability.
func (p *Peer) LeaveRoom(context.Context) error {
	p.mu.Lock()
	if !p.joined {
		p.mu.Unlock()
		return nil
	}
	room := p.room
	p.joined = false
	streams := p.streams
	p.streams = nil
	p.mu.Unlock()

	for _, ch := range streams {
		close(ch)
	}

	p.hub.mu.Lock()
	if members, ok := p.hub.rooms[room]; ok {
		delete(members, p)
		if len(members) == 0 {
			delete(p.hub.rooms, room)
		}
	}
	p.hub.mu.Unlock()

	p.deliver(transport.Event{Kind: transport.Disconnected})
	return nil
}

// SendStreamText implements transport.Capability. Receivers are resolved on
// each write, so peers that join or register the topic handler after the
// stream opened still get the tail.
func (p *Peer) SendStreamText(_ context.Context, topic string) (transport.TextWriter, error) {
	if topic == "" {
		return nil, lifeerr.New(lifeerr.Validation, "mock: topic must not be empty")
	}
	if _, err := p.others(); err != nil {
		return nil, err
	}
	return &writer{sender: p, topic: topic}, nil
}

// RegisterTextHandler implements transport.Capability.
func (p *Peer) RegisterTextHandler(topic string, h transport.TextHandler) {
	p.mu.Lock()
	p.handlers[topic] = h
	p.mu.Unlock()
}

// EnableMicrophone implements transport.Capability. Mock peers are
// server-side and have no microphone.
func (p *Peer) EnableMicrophone(context.Context) error {
	return lifeerr.New(lifeerr.NotImplemented, "mock: no microphone on server peers")
}

// PlayAudio implements transport.Capability.
func (p *Peer) PlayAudio(context.Context) error { return nil }

// StreamAudioChunk implements transport.Capability.
func (p *Peer) StreamAudioChunk(_ context.Context, pcm []int16) error {
	peers, err := p.others()
	if err != nil {
		return err
	}
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	for _, other := range peers {
		other.deliver(transport.Event{Kind: transport.Audio, PeerID: p.id, Frame: frame})
	}
	return nil
}

// Events implements transport.Capability.
func (p *Peer) Events() <-chan transport.Event { return p.events }

// openInbound returns the chunk channel for a stream arriving from sender on
// topic, spawning the registered handler on first use. Returns nil when no
// handler is registered for the topic.
func (p *Peer) openInbound(sender *Peer, topic string) chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.joined {
		return nil
	}
	h, ok := p.handlers[topic]
	if !ok {
		return nil
	}
	key := streamKey{peer: sender, topic: topic}
	if ch, ok := p.streams[key]; ok {
		return ch
	}
	ch := make(chan []byte, 64)
	p.streams[key] = ch
	go h(ch, sender.id)
	return ch
}

// closeInbound ends the current stream from sender on topic. The channel is
// closed and forgotten, so a later stream on the same topic starts fresh.
// A no-op when the receiver already left the room.
func (p *Peer) closeInbound(sender *Peer, topic string) {
	p.mu.Lock()
	key := streamKey{peer: sender, topic: topic}
	ch, ok := p.streams[key]
	if ok {
		delete(p.streams, key)
	}
	p.mu.Unlock()

	if ok {
		close(ch)
	}
}

func (p *Peer) others() ([]*Peer, error) {
	p.mu.Lock()
	joined, room := p.joined, p.room
	p.mu.Unlock()
	if !joined {
		return nil, lifeerr.New(lifeerr.Conflict, "mock: not joined to a room")
	}

	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	var out []*Peer
	for member := range p.hub.rooms[room] {
		if member != p {
			out = append(out, member)
		}
	}
	return out, nil
}

func (p *Peer) deliver(e transport.Event) {
	select {
	case p.events <- e:
	default:
		// Event buffer full; the test is not draining. Drop.
	}
}

// writer fans chunks out, in order, to every peer currently in the sender's
// room that handles the topic.
type writer struct {
	sender *Peer
	topic  string

	mu     sync.Mutex
	closed bool
}

func (w *writer) Write(chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("mock: write on closed stream")
	}
	peers, err := w.sender.others()
	if err != nil {
		return err
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	for _, other := range peers {
		if ch := other.openInbound(w.sender, w.topic); ch != nil {
			ch <- c
		}
	}
	return nil
}

func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	peers, err := w.sender.others()
	if err != nil {
		return nil
	}
	for _, other := range peers {
		other.closeInbound(w.sender, w.topic)
	}
	return nil
}
