// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import "sync"

// ExecuteMeta captures the arguments of one COM_STMT_EXECUTE call, keyed by
// global id within a session, so a failed execution can be replayed against
// a new backend connection after a redirect (§4.5, §13). RawPacket is the
// primary replay vehicle: a byte-for-byte copy of the original request
// (modulo the 4-byte id field, which the caller rewrites before resending),
// grounded directly in the original source's stmt_execute_metadata_t.pkt
// field (§12) rather than a full re-derivation of Binds/IsNulls/Lengths.
type ExecuteMeta struct {
	GlobalID  uint64
	Flags     byte
	NumParams uint16

	// Binds/IsNulls/Lengths are best-effort and may be nil; RawPacket is
	// always populated when captured via CaptureExecuteMeta and is what
	// replay actually resends.
	Binds   []byte
	IsNulls []bool
	Lengths []uint32

	RawPacket []byte
}

// ExecuteMetaTable holds the most recent ExecuteMeta per global id for one
// session. Only the latest call is kept; an EXECUTE overwrites whatever was
// stored for that statement before (§4.5).
type ExecuteMetaTable struct {
	mu      sync.Mutex
	entries map[uint64]*ExecuteMeta
}

// NewExecuteMetaTable constructs an empty table.
func NewExecuteMetaTable() *ExecuteMetaTable {
	return &ExecuteMetaTable{entries: make(map[uint64]*ExecuteMeta)}
}

// Insert records meta as the latest execution for meta.GlobalID, replacing
// any previous entry for that id.
func (t *ExecuteMetaTable) Insert(meta *ExecuteMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[meta.GlobalID] = meta
}

// Find returns the most recently captured ExecuteMeta for globalID, if any.
func (t *ExecuteMetaTable) Find(globalID uint64) (*ExecuteMeta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[globalID]
	return m, ok
}

// Erase drops any captured ExecuteMeta for globalID, e.g. once the
// statement is closed.
func (t *ExecuteMetaTable) Erase(globalID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, globalID)
}

// Len reports how many statements currently have captured execute metadata.
func (t *ExecuteMetaTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CaptureExecuteMeta builds an ExecuteMeta from a raw COM_STMT_EXECUTE
// request. Byte 0 is the command byte, bytes 1-4 the statement id (already
// translated to globalID by the caller), byte 5 the flags byte, per the
// wire layout CmdProcessor.updatePrepStmtStatus already parses with
// encoding/binary elsewhere in this module.
func CaptureExecuteMeta(globalID uint64, numParams uint16, request []byte) *ExecuteMeta {
	var flags byte
	if len(request) > 5 {
		flags = request[5]
	}
	raw := make([]byte, len(request))
	copy(raw, request)
	return &ExecuteMeta{
		GlobalID:  globalID,
		Flags:     flags,
		NumParams: numParams,
		RawPacket: raw,
	}
}
