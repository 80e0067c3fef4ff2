// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp implements the "tcp" driver: a reliable byte stream with an
// unbounded mtu.
//
// The input listens on an ephemeral port and announces it over the service
// link; the output dials it. Every message starts with a marker byte. Raw
// bytes travel as they are, buffers and objects are length prefixed. A
// stream has no end-of-message mark: the reader consumes each message whole.
package tcp
