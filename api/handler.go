// File: api/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// UpcallHandler receives messages pushed by an input in upcall mode.
//
// The handler reads the message from in and should call in.Finish before
// returning when it wants to keep working outside the receive path. Returning
// ErrUpcallYield or ErrUpcallClosed asks the input to hand the receive duty
// to another goroutine. ctx is cancelled when the input is freed.
type UpcallHandler interface {
	InputUpcall(ctx context.Context, in Input, peer PeerID) error
}

// UpcallFunc adapts a function to UpcallHandler.
type UpcallFunc func(ctx context.Context, in Input, peer PeerID) error

func (f UpcallFunc) InputUpcall(ctx context.Context, in Input, peer PeerID) error {
	return f(ctx, in, peer)
}
