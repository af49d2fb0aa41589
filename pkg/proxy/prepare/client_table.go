// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import "sync"

// ClientTable is the per-session bijection between client-visible statement
// ids and global ids, described in §4.2 as the client variant of the
// session statement table. One instance belongs to exactly one client
// session; it is not shared across sessions (§9).
//
// A global id may be referenced by more than one client id within the same
// session, since a session may PREPARE the same statement text twice and
// receive two distinct client ids for it (§9's resolved per-distinct-binding
// refcount question); the multimap below keeps that bookkeeping so Close can
// release every client id it owns without double-counting.
type ClientTable struct {
	mu sync.Mutex

	registry *StatementRegistry

	clientToGlobal  map[uint32]uint64
	globalToClients map[uint64]map[uint32]struct{}

	freeClientIDs []uint32 // LIFO recycle stack
	nextClientID  uint32
}

// NewClientTable constructs an empty table bound to the given registry. The
// registry pointer is retained so Close/CloseClient can drive
// StatementRegistry.DecrefClient directly (§4.2).
func NewClientTable(registry *StatementRegistry) *ClientTable {
	return &ClientTable{
		registry:        registry,
		clientToGlobal:  make(map[uint32]uint64),
		globalToClients: make(map[uint64]map[uint32]struct{}),
		nextClientID:    1,
	}
}

// GenerateClientID allocates a fresh client id bound to globalID and records
// it in this session's multimap, so Close/CloseClient can later release it.
// It does not itself touch the registry's client_refs: the caller is
// expected to have already incremented it via Registry.Intern (whose hit
// path increments client_refs once per call, matching one GenerateClientID
// per call, per §9). Local ids are recycled LIFO, same as the registry's own
// global id allocation.
func (t *ClientTable) GenerateClientID(globalID uint64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var clientID uint32
	if n := len(t.freeClientIDs); n > 0 {
		clientID = t.freeClientIDs[n-1]
		t.freeClientIDs = t.freeClientIDs[:n-1]
	} else {
		clientID = t.nextClientID
		t.nextClientID++
	}

	t.clientToGlobal[clientID] = globalID
	clients := t.globalToClients[globalID]
	if clients == nil {
		clients = make(map[uint32]struct{})
		t.globalToClients[globalID] = clients
	}
	clients[clientID] = struct{}{}

	return clientID
}

// GlobalIDFromClient resolves a client-visible id to its global id. Found is
// false for an id never issued, or already closed (§7).
func (t *ClientTable) GlobalIDFromClient(clientID uint32) (globalID uint64, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	globalID, found = t.clientToGlobal[clientID]
	return
}

// CloseClient releases one client id: it decrements the registry's
// client_refs by one (regardless of how many other client ids in this same
// session still reference the same global id, per §9) and recycles the
// local id. Closing an unknown client id is a no-op (§7).
func (t *ClientTable) CloseClient(clientID uint32) {
	t.mu.Lock()
	globalID, ok := t.clientToGlobal[clientID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.clientToGlobal, clientID)
	if clients := t.globalToClients[globalID]; clients != nil {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(t.globalToClients, globalID)
		}
	}
	t.freeClientIDs = append(t.freeClientIDs, clientID)
	t.mu.Unlock()

	t.registry.DecrefClient(globalID, -1)
}

// NumEntries reports how many client ids are currently live in this table.
func (t *ClientTable) NumEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clientToGlobal)
}

// GlobalIDs returns every distinct global id this session currently
// references through any client id, for session teardown and for §13's
// redirect replay.
func (t *ClientTable) GlobalIDs() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.globalToClients))
	for id := range t.globalToClients {
		out = append(out, id)
	}
	return out
}

// Close releases every client id in the table, as if CloseClient had been
// called once per entry, for session teardown (§4.2).
func (t *ClientTable) Close() {
	t.mu.Lock()
	ids := make([]uint32, 0, len(t.clientToGlobal))
	for id := range t.clientToGlobal {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.CloseClient(id)
	}
}
