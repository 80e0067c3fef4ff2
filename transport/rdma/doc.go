// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package rdma implements the "rdma" driver on top of a native,
// RDMA-class messaging device reached through the Provider capability.
//
// Every native call runs under the shared side of the driver's AccessLock.
// Receive polls also take the input's lock and the main lock 0 of the
// driver's LockArray. Teardown takes the access lock exclusively, so once a
// port is closed no native call reaches it again.
//
// Each native datagram starts with a tag byte telling packets, byte runs,
// end of message and close apart. Objects travel as a u32 big-endian length
// followed by their gob encoding, carried as byte runs.
package rdma
