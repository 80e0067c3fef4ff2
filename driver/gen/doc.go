// Package gen implements the "gen" driver: fan-out of one output to many
// peers and fan-in of many peers into one input.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every peer gets its own sub-driver, created from the "driver" property of
// the gen context. The aggregate mtu is the smallest bound of all peers ever
// connected and the header length the largest; neither is recomputed when a
// peer leaves.
package gen
