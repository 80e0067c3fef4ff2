// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package nameservice speaks the port name protocol: receive ports bind
// their identifiers under names and senders look them up, optionally
// waiting for names that are not bound yet.
//
// Every request travels on its own TCP connection. Fields are big-endian;
// strings carry a u16 length prefix. Identifiers are opaque blobs.
//
// Client is the consuming side. Server is a reference implementation on
// a gnet event loop, used by tests and the nameserver example.
package nameservice
