// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package loop

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Fabric is the in-process switch joining loop outputs to loop inputs. An
// input publishes its lane under a fresh address for the duration of the
// connection handshake; the output picks it up from there.
type Fabric struct {
	mu     sync.RWMutex
	ports  map[string]*lane
	nextID atomic.Uint64
}

// NewFabric creates an empty switch.
func NewFabric() *Fabric {
	return &Fabric{ports: make(map[string]*lane)}
}

var defaultFabric = NewFabric()

// DefaultFabric is shared by kinds created without an explicit fabric.
func DefaultFabric() *Fabric { return defaultFabric }

func (f *Fabric) attach(w *lane) string {
	addr := "loop-" + strconv.FormatUint(f.nextID.Add(1), 10)
	f.mu.Lock()
	f.ports[addr] = w
	f.mu.Unlock()
	return addr
}

func (f *Fabric) detach(addr string) {
	f.mu.Lock()
	delete(f.ports, addr)
	f.mu.Unlock()
}

func (f *Fabric) lookup(addr string) (*lane, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	w, ok := f.ports[addr]
	return w, ok
}

// Ports returns the number of inputs waiting for their output.
func (f *Fabric) Ports() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ports)
}
