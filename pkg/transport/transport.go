// Package transport defines the realtime-transport capability surface used
// by workers: join/leave a room, topic-scoped text streams, and 16 kHz mono
// signed 16-bit PCM audio.
//
// Provider implementations live in subpackages ([wsrelay] is the reference
// client, mock an in-memory hub for tests). The supervisor only touches the
// token-minting side ([TokenSource]); everything else runs inside workers.
//
// Text topics are independent FIFO channels: between a given pair of peers,
// chunk order is preserved within a topic. The topic "rpc" is reserved for
// the RPC layer.
package transport

import "context"

// RPCTopic is the text topic reserved for the RPC layer.
const RPCTopic = "rpc"

// Room identifies a transport room and the token used to join it.
type Room struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// EventKind discriminates connection events.
type EventKind int

const (
	// Connected fires once the room join completes.
	Connected EventKind = iota

	// Disconnected fires when the connection is lost or closed.
	Disconnected

	// Audio carries one inbound PCM frame.
	Audio

	// Error carries a non-fatal transport error.
	Error
)

// Event is a connection event delivered on [Capability.Events].
type Event struct {
	Kind   EventKind
	PeerID string  // Audio: originating peer
	Frame  []int16 // Audio: 16 kHz mono s16 PCM
	Err    error   // Error
}

// TextWriter is an open outbound text stream on a topic. Chunks written
// before Close are delivered in order to every other peer in the room.
type TextWriter interface {
	Write(chunk []byte) error
	Close() error
}

// TextHandler receives one inbound text stream. chunks is closed when the
// sending peer closes its writer. Handlers run on a per-stream goroutine and
// must drain the channel.
type TextHandler func(chunks <-chan []byte, peerID string)

// Capability is the surface a realtime-transport provider exposes to a
// worker. Implementations must be safe for concurrent use.
type Capability interface {
	// JoinRoom connects to the named room using a token minted by the
	// supervisor. It blocks until the join completes or ctx is done.
	JoinRoom(ctx context.Context, room Room) error

	// LeaveRoom disconnects and releases all resources. Safe to call when
	// not joined.
	LeaveRoom(ctx context.Context) error

	// SendStreamText opens an outbound text stream on topic.
	SendStreamText(ctx context.Context, topic string) (TextWriter, error)

	// RegisterTextHandler installs the handler for inbound streams on topic.
	// A duplicate registration replaces the prior handler.
	RegisterTextHandler(topic string, h TextHandler)

	// EnableMicrophone starts capturing local audio input. Server-side
	// workers have no microphone and return a NotImplemented error.
	EnableMicrophone(ctx context.Context) error

	// PlayAudio starts the outbound audio track.
	PlayAudio(ctx context.Context) error

	// StreamAudioChunk publishes one PCM frame to the room. Frames must
	// already be sized by the audio framer.
	StreamAudioChunk(ctx context.Context, pcm []int16) error

	// Events returns the connection event stream.
	Events() <-chan Event
}

// TokenSource mints join tokens for a room. The supervisor mints one agent
// token and one user token per session.
type TokenSource interface {
	CreateToken(ctx context.Context, room, identity string) (string, error)
}
