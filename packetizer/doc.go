// Package packetizer
// Author: momentics <momentics@gmail.com>
//
// The "bytes" driver: turns typed writes into mtu-bounded packets handed to
// the driver below, and turns received packets back into typed reads.
//
// Values are big-endian and fixed width: bool and byte take 1 byte, int16
// and uint16 2, int32 and float32 4, int64 and float64 8. A string is an
// int32 byte length followed by its UTF-8 bytes.
//
// A value that does not fit in the free space of the live buffer either
// moves whole to a fresh buffer (when it overflows by at most
// Config.SplitThreshold bytes) or is split across buffers. Buffers that
// reach the mtu are flushed at once. When the chain below is unbounded
// (mtu 0) values are encoded in pooled spill blocks and delegated as raw
// bytes.
package packetizer
