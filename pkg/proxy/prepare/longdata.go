// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import "sync"

// longDataKey identifies one parameter of one statement within a session,
// the (statement_id, param_id) pair §3's data model requires: two statements
// prepared in the same session must not share a parameter's staged chunks.
type longDataKey struct {
	stmtID  uint64
	paramID uint16
}

// longDataChunk is one COM_STMT_SEND_LONG_DATA payload, kept as a discrete
// entry rather than merged into an accumulator byte slice, mirroring the
// original StmtLongDataHandler's PtrArray of chunks (§12).
type longDataChunk struct {
	key    longDataKey
	data   []byte
	isNull bool
}

// LongDataBuffer accumulates COM_STMT_SEND_LONG_DATA chunks for every
// statement within one session, keyed by (statement_id, param_id), until the
// owning statement's next COM_STMT_EXECUTE or COM_STMT_RESET consumes or
// discards them (§4.4).
type LongDataBuffer struct {
	mu     sync.Mutex
	chunks []longDataChunk
}

// NewLongDataBuffer constructs an empty buffer.
func NewLongDataBuffer() *LongDataBuffer {
	return &LongDataBuffer{}
}

// Add appends a chunk for (stmtID, paramID), preserving arrival order. It
// never replaces a prior chunk for the same key: Get concatenates all chunks
// for that key in the order Add was called (§4.4).
func (b *LongDataBuffer) Add(stmtID uint64, paramID uint16, data []byte, isNull bool) {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.mu.Lock()
	b.chunks = append(b.chunks, longDataChunk{key: longDataKey{stmtID, paramID}, data: cp, isNull: isNull})
	b.mu.Unlock()
}

// Get concatenates every chunk recorded for (stmtID, paramID), in arrival
// order. isNull reflects the most recently added chunk for that key. found is
// false if no chunk was ever added for that key.
func (b *LongDataBuffer) Get(stmtID uint64, paramID uint16) (data []byte, isNull bool, found bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := longDataKey{stmtID, paramID}
	for _, c := range b.chunks {
		if c.key == key {
			data = append(data, c.data...)
			isNull = c.isNull
			found = true
		}
	}
	return data, isNull, found
}

// Reset discards every chunk buffered for stmtID and returns how many were
// removed, for COM_STMT_EXECUTE/COM_STMT_RESET handling (§4.4, scenario S4).
// Chunks belonging to other statements in the same session are untouched.
func (b *LongDataBuffer) Reset(stmtID uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.chunks[:0]
	removed := 0
	for _, c := range b.chunks {
		if c.key.stmtID == stmtID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	b.chunks = kept
	return removed
}

// Len reports how many chunks (not distinct parameters) are buffered across
// every statement in this session.
func (b *LongDataBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
