// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import "sync"

// BackendTable is the per-backend-connection bijection between the
// backend's own native statement handle (the 4-byte stmt_id a real MySQL
// server assigns on COM_STMT_PREPARE) and the global id, described in §4.3
// as the backend variant of the session statement table. One instance
// belongs to exactly one backend connection.
//
// Unlike ClientTable, this is a strict bijection: a given backend
// connection never prepares the same global statement twice, so there is no
// multimap here, only the two reverse-lookup maps.
type BackendTable struct {
	mu sync.Mutex

	registry *StatementRegistry

	nativeToGlobal map[uint32]uint64
	globalToNative map[uint64]uint32
}

// NewBackendTable constructs an empty table bound to the given registry.
func NewBackendTable(registry *StatementRegistry) *BackendTable {
	return &BackendTable{
		registry:       registry,
		nativeToGlobal: make(map[uint32]uint64),
		globalToNative: make(map[uint64]uint32),
	}
}

// BackendBind records that nativeHandle on this connection now backs
// globalID, and increments the registry's server_refs by one. It is
// idempotent: binding the same (globalID, nativeHandle) pair twice in a row
// increments server_refs only once more than the first call would have
// (§4.3's "MUST be idempotent" note), since callers are expected to check
// NativeHandleForGlobal before preparing again.
func (t *BackendTable) BackendBind(globalID uint64, nativeHandle uint32) {
	t.mu.Lock()
	if existing, ok := t.globalToNative[globalID]; ok && existing == nativeHandle {
		t.mu.Unlock()
		return
	}
	t.nativeToGlobal[nativeHandle] = globalID
	t.globalToNative[globalID] = nativeHandle
	t.mu.Unlock()

	t.registry.IncrefServer(globalID)
}

// NativeHandleForGlobal returns the native handle this connection has
// already bound for globalID, if any, so the caller can skip re-preparing.
func (t *BackendTable) NativeHandleForGlobal(globalID uint64) (nativeHandle uint32, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nativeHandle, found = t.globalToNative[globalID]
	return
}

// GlobalIDForNative resolves a native backend handle back to its global id,
// for translating a backend-originated reply (e.g. COM_STMT_PREPARE_OK)
// before forwarding it to the client.
func (t *BackendTable) GlobalIDForNative(nativeHandle uint32) (globalID uint64, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	globalID, found = t.nativeToGlobal[nativeHandle]
	return
}

// NumBackendStmts reports how many statements are currently bound on this
// connection.
func (t *BackendTable) NumBackendStmts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nativeToGlobal)
}

// CloseNative releases one native handle: it decrements server_refs by one
// and calls freeFn with the handle so the caller can issue COM_STMT_CLOSE on
// the physical connection. freeFn is called outside the table's lock.
func (t *BackendTable) CloseNative(nativeHandle uint32, freeFn func(nativeHandle uint32)) {
	t.mu.Lock()
	globalID, ok := t.nativeToGlobal[nativeHandle]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.nativeToGlobal, nativeHandle)
	delete(t.globalToNative, globalID)
	t.mu.Unlock()

	t.registry.DecrefServer(globalID, -1)
	if freeFn != nil {
		freeFn(nativeHandle)
	}
}

// Close tears down every native binding on this connection, as if
// CloseNative had been called once per entry, for connection teardown or
// redirect (§13). freeFn is invoked once per released handle.
func (t *BackendTable) Close(freeFn func(nativeHandle uint32)) {
	t.mu.Lock()
	handles := make([]uint32, 0, len(t.nativeToGlobal))
	for h := range t.nativeToGlobal {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.CloseNative(h, freeFn)
	}
}
