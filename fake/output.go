// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the driver contract.

package fake

import (
	"context"
	"sync"

	"github.com/momentics/hioload-net/api"
)

// PacketKind tells how a packet reached a fake output.
type PacketKind int

const (
	BufferPacket PacketKind = iota
	BytesPacket
	ObjectPacket
)

// Packet is one recorded write.
type Packet struct {
	Kind   PacketKind
	Data   []byte
	Object any
}

// Output is a recording api.Output.
type Output struct {
	mu        sync.Mutex
	mtu       int
	headers   int
	peers     map[api.PeerID]api.ConnState
	packets   []Packet
	messages  int
	freed     int
	tally     int64
	setupErr  map[api.PeerID]error
	writeErr  error
	setupHook func(api.Connection)
}

// NewOutput creates an output reporting the given limits.
func NewOutput(mtu, headers int) *Output {
	return &Output{
		mtu:      mtu,
		headers:  headers,
		peers:    make(map[api.PeerID]api.ConnState),
		setupErr: make(map[api.PeerID]error),
	}
}

// SetSetupError makes SetupConnection fail for peer.
func (o *Output) SetSetupError(peer api.PeerID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setupErr[peer] = err
}

// SetWriteError makes every write fail with err until reset with nil.
func (o *Output) SetWriteError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writeErr = err
}

// OnSetup registers a hook run by SetupConnection.
func (o *Output) OnSetup(fn func(api.Connection)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setupHook = fn
}

func (o *Output) SetupConnection(_ context.Context, c api.Connection) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.setupErr[c.Peer]; err != nil {
		return err
	}
	if o.peers[c.Peer] == api.Connected {
		return api.ErrAlreadyConnected
	}
	o.peers[c.Peer] = api.Connected
	if o.setupHook != nil {
		o.setupHook(c)
	}
	return nil
}

// SetLimits changes the limits reported from now on.
func (o *Output) SetLimits(mtu, headers int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mtu, o.headers = mtu, headers
}

func (o *Output) MaximumTransferUnit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mtu
}

func (o *Output) HeadersLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers
}

func (o *Output) InitSend() error { return nil }

// Finish returns the bytes recorded since the previous Finish.
func (o *Output) Finish() (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages++
	n := o.tally
	o.tally = 0
	return n, nil
}

func (o *Output) Close(peer api.PeerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peers[peer] = api.Closed
	return nil
}

func (o *Output) Free() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.freed++
	return nil
}

func (o *Output) record(p Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writeErr != nil {
		return o.writeErr
	}
	o.packets = append(o.packets, p)
	o.tally += int64(len(p.Data))
	return nil
}

func (o *Output) WriteBuffer(b *api.Buffer) error {
	return o.record(Packet{Kind: BufferPacket, Data: append([]byte(nil), b.Data[:b.Length]...)})
}

func (o *Output) WriteBytes(p []byte) error {
	return o.record(Packet{Kind: BytesPacket, Data: append([]byte(nil), p...)})
}

func (o *Output) WriteObject(v any) error {
	return o.record(Packet{Kind: ObjectPacket, Object: v})
}

// Packets returns the recorded writes.
func (o *Output) Packets() []Packet {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Packet(nil), o.packets...)
}

// Sizes returns the length of every recorded buffer packet.
func (o *Output) Sizes() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []int
	for _, p := range o.packets {
		if p.Kind == BufferPacket {
			out = append(out, len(p.Data))
		}
	}
	return out
}

// State returns the connection state of peer.
func (o *Output) State(peer api.PeerID) api.ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers[peer]
}

// Messages returns the number of finished messages.
func (o *Output) Messages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.messages
}

// Freed returns how many times Free was called.
func (o *Output) Freed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.freed
}

// ClearPackets forgets recorded writes.
func (o *Output) ClearPackets() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packets = o.packets[:0]
}

var _ api.Output = (*Output)(nil)
