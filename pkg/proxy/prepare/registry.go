// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"sync"

	"github.com/pingcap/tiproxy/lib/util/errors"
	"github.com/pingcap/tiproxy/pkg/metrics"
	"go.uber.org/zap"
)

// RegistryMetrics is a point-in-time snapshot of StatementRegistry counters,
// returned by Metrics() for the admin surface. Field names follow §4.1.
type RegistryMetrics struct {
	ClientUnique uint64
	ClientTotal  uint64
	MaxStmtID    uint64
	Cached       uint64
	ServerUnique uint64
	ServerTotal  uint64
}

// StatementSnapshot is one row of StatementRegistry.Enumerate, a read-only
// copy safe to hand to the admin HTTP handler without holding any lock.
type StatementSnapshot struct {
	GlobalID    uint64
	Fingerprint uint64
	Hostgroup   uint32
	Username    string
	SchemaName  string
	QueryText   string
	DigestText  string
	NumColumns  uint16
	NumParams   uint16
	ClientRefs  int64
	ServerRefs  int64
	CacheTTL    int
}

// StatementRegistry is the process-wide, concurrency-safe cache of
// StatementInfo records described in §4.1. It is constructed once at
// process startup and shared by reference across every worker; see §9.
type StatementRegistry struct {
	mu sync.RWMutex

	// byFingerprint buckets records by hash; a bucket holds more than one
	// entry only on a genuine fingerprint collision with distinct identity
	// tuples (§4.1).
	byFingerprint map[uint64][]*StatementInfo
	byGlobalID    map[uint64]*StatementInfo

	freeIDs []uint64 // LIFO recycle stack
	nextID  uint64   // next id to allocate if freeIDs is empty; 0 is reserved

	maxStmtID uint64 // highest global id ever allocated, for metrics

	lg *zap.Logger
}

// NewStatementRegistry constructs an empty registry. Callers should build
// exactly one instance per process and share it by reference (§9).
func NewStatementRegistry(lg *zap.Logger) *StatementRegistry {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &StatementRegistry{
		byFingerprint: make(map[uint64][]*StatementInfo),
		byGlobalID:    make(map[uint64]*StatementInfo),
		nextID:        1,
		lg:            lg,
	}
}

// Intern looks up or inserts a StatementInfo for the given identity tuple.
// On a cache hit, the supplied reply is discarded (cached metadata wins)
// and client_refs is incremented. On a miss, a new record is allocated and
// installed in both indices with client_refs=1, server_refs=0. See §4.1.
func (r *StatementRegistry) Intern(hostgroup uint32, username, schema, query string, queryLen uint32, reply PrepareReply, policy CachePolicy) (*StatementInfo, error) {
	fp := Fingerprint(hostgroup, username, schema, query)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, candidate := range r.byFingerprint[fp] {
		if candidate.sameIdentity(hostgroup, username, schema, query, queryLen) {
			candidate.clientRefs++
			metrics.PreparedStmtEventCounter.WithLabelValues(metrics.PrepareEventHit).Inc()
			r.refreshMetricsLocked()
			return candidate, nil
		}
	}
	if len(r.byFingerprint[fp]) > 0 {
		metrics.PreparedStmtEventCounter.WithLabelValues(metrics.PrepareEventCollide).Inc()
	}

	id, err := r.allocIDLocked()
	if err != nil {
		return nil, err
	}
	info := newStatementInfo(id, fp, hostgroup, username, schema, query, queryLen, reply, policy)
	r.byFingerprint[fp] = append(r.byFingerprint[fp], info)
	r.byGlobalID[id] = info

	metrics.PreparedStmtEventCounter.WithLabelValues(metrics.PrepareEventIntern).Inc()
	r.refreshMetricsLocked()
	return info, nil
}

func (r *StatementRegistry) allocIDLocked() (uint64, error) {
	if n := len(r.freeIDs); n > 0 {
		id := r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
		return id, nil
	}
	id := r.nextID
	r.nextID++
	if id > r.maxStmtID {
		r.maxStmtID = id
	}
	return id, nil
}

// FindByFingerprint performs a read-locked lookup by the precomputed
// identity tuple; it never alters refcounts. lock=false asserts the caller
// already holds the write lock, for composite operations.
func (r *StatementRegistry) FindByFingerprint(hostgroup uint32, username, schema, query string, queryLen uint32, lock bool) (*StatementInfo, bool) {
	if lock {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	fp := Fingerprint(hostgroup, username, schema, query)
	for _, candidate := range r.byFingerprint[fp] {
		if candidate.sameIdentity(hostgroup, username, schema, query, queryLen) {
			return candidate, true
		}
	}
	return nil, false
}

// FindByGlobalID performs a read-locked lookup by global id.
func (r *StatementRegistry) FindByGlobalID(id uint64, lock bool) (*StatementInfo, bool) {
	if lock {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	info, ok := r.byGlobalID[id]
	return info, ok
}

// DecrefClient adjusts client_refs by delta (typically -1), removing the
// record and recycling its id once both refcounts reach zero. An unknown
// global id is a silent no-op (§7): the caller has nothing left to clean up.
func (r *StatementRegistry) DecrefClient(globalID uint64, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byGlobalID[globalID]
	if !ok {
		return
	}
	wasPositive := info.clientRefs > 0
	info.clientRefs += delta
	if info.clientRefs < 0 {
		r.lg.Error("client refcount underflow, clamping to zero", zap.Error(ErrRefcountUnderflow),
			zap.Uint64("global_id", globalID), zap.Int64("refs", info.clientRefs))
		metrics.PreparedStmtEventCounter.WithLabelValues(metrics.PrepareEventUnderflow).Inc()
		info.clientRefs = 0
	}
	if wasPositive && info.clientRefs == 0 {
		metrics.PreparedStmtEventCounter.WithLabelValues(metrics.PrepareEventEvict).Inc()
	}
	r.maybeRemoveLocked(info)
	r.refreshMetricsLocked()
}

// DecrefServer is the server-refcount analogue of DecrefClient.
func (r *StatementRegistry) DecrefServer(globalID uint64, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byGlobalID[globalID]
	if !ok {
		return
	}
	info.serverRefs += delta
	if info.serverRefs < 0 {
		r.lg.Error("server refcount underflow, clamping to zero", zap.Error(ErrRefcountUnderflow),
			zap.Uint64("global_id", globalID), zap.Int64("refs", info.serverRefs))
		metrics.PreparedStmtEventCounter.WithLabelValues(metrics.PrepareEventUnderflow).Inc()
		info.serverRefs = 0
	}
	r.maybeRemoveLocked(info)
	r.refreshMetricsLocked()
}

// IncrefServer is a convenience for DecrefServer(id, +1), used by
// BackendTable.BackendBind.
func (r *StatementRegistry) IncrefServer(globalID uint64) {
	r.DecrefServer(globalID, 1)
}

func (r *StatementRegistry) maybeRemoveLocked(info *StatementInfo) {
	if info.clientRefs != 0 || info.serverRefs != 0 {
		return
	}
	bucket := r.byFingerprint[info.Fingerprint]
	for i, candidate := range bucket {
		if candidate.GlobalID == info.GlobalID {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.byFingerprint, info.Fingerprint)
	} else {
		r.byFingerprint[info.Fingerprint] = bucket
	}
	delete(r.byGlobalID, info.GlobalID)
	r.freeIDs = append(r.freeIDs, info.GlobalID)
}

// UpdateMetadata refreshes the mutable metadata fields of an existing
// record, e.g. when a re-prepare returns refined column/param counts. It is
// writer-locked like every other mutation (§5).
func (r *StatementRegistry) UpdateMetadata(globalID uint64, reply PrepareReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byGlobalID[globalID]
	if !ok {
		return errors.Errorf("unknown prepared statement global id %d", globalID)
	}
	info.NumColumns = reply.NumColumns
	info.NumParams = reply.NumParams
	info.WarningCount = reply.WarningCount
	info.FieldDescriptors = reply.FieldDescriptors
	if reply.DigestText != "" {
		info.Digest = reply.Digest
		info.DigestText = reply.DigestText
	}
	return nil
}

// Metrics returns a read-locked snapshot of registry-wide counters (§4.1).
func (r *StatementRegistry) Metrics() RegistryMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotMetricsLocked()
}

func (r *StatementRegistry) snapshotMetricsLocked() RegistryMetrics {
	m := RegistryMetrics{MaxStmtID: r.maxStmtID, Cached: uint64(len(r.byGlobalID))}
	for _, info := range r.byGlobalID {
		if info.clientRefs > 0 {
			m.ClientUnique++
		}
		m.ClientTotal += uint64(info.clientRefs)
		if info.serverRefs > 0 {
			m.ServerUnique++
		}
		m.ServerTotal += uint64(info.serverRefs)
	}
	return m
}

// refreshMetricsLocked pushes the current snapshot to Prometheus. Called
// under r.mu from every mutating operation; cheap relative to a map
// mutation since the registry is not expected to hold more than a few
// thousand distinct statements.
func (r *StatementRegistry) refreshMetricsLocked() {
	m := r.snapshotMetricsLocked()
	metrics.PreparedStmtCachedGauge.Set(float64(m.Cached))
	metrics.PreparedStmtRefGauge.WithLabelValues("client").Set(float64(m.ClientTotal))
	metrics.PreparedStmtRefGauge.WithLabelValues("server").Set(float64(m.ServerTotal))
}

// Enumerate returns a read-locked, independent copy of every cached
// statement, for the admin HTTP surface (§6).
func (r *StatementRegistry) Enumerate() []StatementSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StatementSnapshot, 0, len(r.byGlobalID))
	for _, info := range r.byGlobalID {
		out = append(out, StatementSnapshot{
			GlobalID:    info.GlobalID,
			Fingerprint: info.Fingerprint,
			Hostgroup:   info.Hostgroup,
			Username:    info.Username,
			SchemaName:  info.SchemaName,
			QueryText:   info.QueryText,
			DigestText:  info.DigestText,
			NumColumns:  info.NumColumns,
			NumParams:   info.NumParams,
			ClientRefs:  info.clientRefs,
			ServerRefs:  info.serverRefs,
			CacheTTL:    info.CacheTTL,
		})
	}
	return out
}
