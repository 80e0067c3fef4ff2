// Package servicelink
// Author: momentics <momentics@gmail.com>
//
// Out-of-band side channels used by drivers during connection setup.
//
// Pipe links two in-process ends through net.Pipe sub-streams. Mux carries
// named sub-streams over one net.Conn as smux streams; the Initiator opens
// one stream per name and writes
//
//	u16 name length | name
//
// in big-endian order before any payload.
package servicelink
