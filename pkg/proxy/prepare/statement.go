// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"strings"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	pnet "github.com/pingcap/tiproxy/pkg/proxy/net"
)

// CachePolicy holds the policy fields carried verbatim on a StatementInfo.
// They are consumed by the caching layer above this package (e.g. a TTL
// sweeper), never interpreted here. See §6/§7.
type CachePolicy struct {
	// CacheTTL is in seconds; negative disables caching for this statement.
	CacheTTL int
	// Timeout is in milliseconds; 0 means unbounded.
	Timeout int
	// Delay is in milliseconds; 0 means none.
	Delay int
}

// PrepareReply is the subset of a backend's COM_STMT_PREPARE_OK reply (plus
// digester output) needed to build or refresh a StatementInfo. The caller
// (the wire codec) is responsible for parsing the reply packet; this package
// only stores it.
type PrepareReply struct {
	NumColumns       uint16
	NumParams        uint16
	WarningCount     uint16
	FieldDescriptors []*gomysql.Field
	// Digest/DigestText are produced by the external query digester (§6):
	// Digest is the digest hash (parser.Digest.String()) and DigestText is
	// the normalized query text. Both are stored verbatim, never computed
	// here.
	Digest     string
	DigestText string
	// CommandKind tags which MySQL command produced this statement, usually
	// pnet.ComStmtPrepare.
	CommandKind pnet.Command
}

// StatementInfo is the canonical, process-wide metadata record for one
// logical prepared statement. Identity fields and metadata are frozen after
// construction except through Registry.UpdateMetadata; refcounts are
// mutated only while the owning StatementRegistry holds its write lock —
// see §5, this struct intentionally has no lock of its own.
type StatementInfo struct {
	GlobalID    uint64
	Fingerprint uint64

	Hostgroup  uint32
	Username   string
	SchemaName string
	QueryText  string
	QueryLen   uint32

	Digest      string
	DigestText  string
	CommandKind pnet.Command

	NumColumns       uint16
	NumParams        uint16
	WarningCount     uint16
	FieldDescriptors []*gomysql.Field

	CachePolicy

	IsSelectNotForUpdate bool

	// clientRefs/serverRefs are only ever touched under StatementRegistry.mu.
	clientRefs int64
	serverRefs int64
}

func newStatementInfo(globalID, fingerprint uint64, hostgroup uint32, username, schema, query string, queryLen uint32, reply PrepareReply, policy CachePolicy) *StatementInfo {
	return &StatementInfo{
		GlobalID:             globalID,
		Fingerprint:          fingerprint,
		Hostgroup:            hostgroup,
		Username:             username,
		SchemaName:           schema,
		QueryText:            query,
		QueryLen:             queryLen,
		Digest:               reply.Digest,
		DigestText:           reply.DigestText,
		CommandKind:          reply.CommandKind,
		NumColumns:           reply.NumColumns,
		NumParams:            reply.NumParams,
		WarningCount:         reply.WarningCount,
		FieldDescriptors:     reply.FieldDescriptors,
		CachePolicy:          policy,
		IsSelectNotForUpdate: isSelectNotForUpdate(query),
		clientRefs:           1,
		serverRefs:           0,
	}
}

// sameIdentity reports whether this record and the given identity tuple
// describe the same logical statement. Used to disambiguate a fingerprint
// collision (§4.1): a matching hash with a different identity tuple is a
// different statement, not a cache hit.
func (si *StatementInfo) sameIdentity(hostgroup uint32, username, schema, query string, queryLen uint32) bool {
	return si.Hostgroup == hostgroup &&
		si.Username == username &&
		si.SchemaName == schema &&
		si.QueryLen == queryLen &&
		si.QueryText == query
}

// ClientRefs returns the current client reference count. Callers that need
// a consistent read together with other registry state should go through
// StatementRegistry.FindByGlobalID under its own lock instead of racing
// this accessor against concurrent decrefs.
func (si *StatementInfo) ClientRefs() int64 { return si.clientRefs }

// ServerRefs returns the current server reference count, see ClientRefs.
func (si *StatementInfo) ServerRefs() int64 { return si.serverRefs }

func isSelectNotForUpdate(query string) bool {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 6 {
		return false
	}
	if !strings.EqualFold(trimmed[:6], "select") {
		return false
	}
	return !strings.Contains(strings.ToLower(trimmed), "for update")
}
