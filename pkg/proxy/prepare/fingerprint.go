// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes the 64-bit cache key for a logical statement, derived
// from (hostgroup, username, schemaname, query_text). Framing each field with
// its length before hashing prevents concatenation ambiguity, e.g.
// ("ab", "c") and ("a", "bc") must not collide just because "ab"+"c" == "a"+"bc".
//
// Equality, not collision-resistance, is the requirement (§4.1); xxhash is
// used purely for speed. Callers that need collision-proof identity should
// additionally compare the full identity tuple, see StatementRegistry.Intern.
func Fingerprint(hostgroup uint32, username, schema, query string) uint64 {
	d := xxhash.New()
	var hg [4]byte
	binary.LittleEndian.PutUint32(hg[:], hostgroup)
	_, _ = d.Write(hg[:])
	writeFramed(d, username)
	writeFramed(d, schema)
	writeFramed(d, query)
	return d.Sum64()
}

func writeFramed(d *xxhash.Digest, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	_, _ = d.Write(lenBuf[:])
	_, _ = d.Write([]byte(s))
}
