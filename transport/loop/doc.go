// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package loop implements the "loop" driver: an in-process message
// transport that emulates a packet network with a configurable mtu and
// header reservation.
//
// When at least four header bytes are reserved, the sender stamps the
// packet length in them and the receiver checks it. Objects travel as gob
// encodings. Each output and input serves exactly one connection; fan-out
// and fan-in are the job of the "gen" driver.
package loop
