//go:build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

// pending reports whether a read would not block.
func (in *Input) pending() (bool, error) {
	if in.br.Buffered() > 0 {
		return true, nil
	}
	return in.pendingByDeadline()
}
