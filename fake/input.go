// Author: momentics <momentics@gmail.com>

package fake

import (
	"context"
	"reflect"
	"sync"

	"github.com/momentics/hioload-net/api"
)

type message struct {
	peer    api.PeerID
	packets []Packet
}

// Input is a scripted api.Input. Messages pushed with Push are returned by
// Poll in order; reads consume the packets of the polled message.
type Input struct {
	mu       sync.Mutex
	mtu      int
	headers  int
	peers    map[api.PeerID]api.ConnState
	queue    []message
	current  *message
	pending  []byte
	ready    chan struct{}
	finished int
	freed    int
	readErr  error
}

// NewInput creates an input reporting the given limits.
func NewInput(mtu, headers int) *Input {
	return &Input{
		mtu:     mtu,
		headers: headers,
		peers:   make(map[api.PeerID]api.ConnState),
		ready:   make(chan struct{}, 1),
	}
}

// Push queues a message from peer.
func (in *Input) Push(peer api.PeerID, packets ...Packet) {
	in.mu.Lock()
	in.queue = append(in.queue, message{peer: peer, packets: packets})
	in.mu.Unlock()
	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// SetReadError makes every read fail with err until reset with nil.
func (in *Input) SetReadError(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.readErr = err
}

// Ready implements api.Readiness.
func (in *Input) Ready() <-chan struct{} { return in.ready }

func (in *Input) SetupConnection(_ context.Context, c api.Connection) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.peers[c.Peer] == api.Connected {
		return api.ErrAlreadyConnected
	}
	in.peers[c.Peer] = api.Connected
	return nil
}

func (in *Input) MaximumTransferUnit() int { return in.mtu }
func (in *Input) HeadersLength() int       { return in.headers }

// Poll never blocks: with nothing queued it reports no message.
func (in *Input) Poll(bool) (api.PeerID, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current != nil {
		return in.current.peer, true, nil
	}
	if len(in.queue) == 0 {
		return 0, false, nil
	}
	m := in.queue[0]
	in.queue = in.queue[1:]
	in.current = &m
	in.pending = nil
	return m.peer, true, nil
}

func (in *Input) pop(kind PacketKind) (Packet, error) {
	if in.readErr != nil {
		return Packet{}, in.readErr
	}
	if in.current == nil {
		return Packet{}, api.ErrNoMessage
	}
	if len(in.current.packets) == 0 || in.current.packets[0].Kind != kind {
		return Packet{}, api.ProtocolError("fake input: no packet of kind %d", kind)
	}
	p := in.current.packets[0]
	in.current.packets = in.current.packets[1:]
	return p, nil
}

func (in *Input) ReadBuffer(b *api.Buffer) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	p, err := in.pop(BufferPacket)
	if err != nil {
		return err
	}
	if b.Length != 0 && b.Length != len(p.Data) {
		return api.SizeMismatchError(b.Length, len(p.Data))
	}
	if len(p.Data) > len(b.Data) {
		return api.SizeMismatchError(len(b.Data), len(p.Data))
	}
	b.Length = copy(b.Data, p.Data)
	return nil
}

func (in *Input) ReadBytes(dst []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(dst) > 0 {
		if len(in.pending) == 0 {
			p, err := in.pop(BytesPacket)
			if err != nil {
				return err
			}
			in.pending = p.Data
		}
		n := copy(dst, in.pending)
		in.pending = in.pending[n:]
		dst = dst[n:]
	}
	return nil
}

// ReadObject stores the recorded object into the value v points to.
func (in *Input) ReadObject(v any) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	p, err := in.pop(ObjectPacket)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return api.NewError(api.ErrCodeInvalidArgument, "fake input: ReadObject needs a pointer")
	}
	rv.Elem().Set(reflect.ValueOf(p.Object))
	return nil
}

func (in *Input) Finish() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.current = nil
	in.pending = nil
	in.finished++
	return nil
}

func (in *Input) Close(peer api.PeerID) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.peers[peer] = api.Closed
	return nil
}

func (in *Input) Free() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.freed++
	return nil
}

// Finished returns the number of finished messages.
func (in *Input) Finished() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finished
}

// State returns the connection state of peer.
func (in *Input) State(peer api.PeerID) api.ConnState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.peers[peer]
}

var (
	_ api.Input     = (*Input)(nil)
	_ api.Readiness = (*Input)(nil)
)
