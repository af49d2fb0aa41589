// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/binary"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/tidb/parser"
	"github.com/pingcap/tidb/parser/mysql"
	"github.com/pingcap/tiproxy/lib/util/errors"
	pnet "github.com/pingcap/tiproxy/pkg/proxy/net"
	"github.com/pingcap/tiproxy/pkg/proxy/prepare"
	"go.uber.org/zap"
)

const (
	StatusInTrans uint32 = 1 << iota
	StatusQuit
	StatusPrepareWaitExecute
	StatusPrepareWaitFetch
)

// CmdProcessor maintains the transaction and prepared statement status and decides whether the session can be redirected.
type CmdProcessor struct {
	logger *zap.Logger
	// Each prepared statement has an independent status.
	preparedStmtStatus map[int]uint32
	capability         uint32
	// Only includes in_trans or quit status.
	serverStatus uint32

	// The fields below are nil until AttachStatementRegistry is called. Every
	// caller of the prepare-aware helpers must treat a nil stmtReg as "pass
	// the command through unmodified", so a CmdProcessor nobody attaches a
	// registry to behaves exactly as before this field existed.
	stmtReg      *prepare.StatementRegistry
	clientStmts  *prepare.ClientTable
	backendStmts *prepare.BackendTable
	longData     *prepare.LongDataBuffer
	execMeta     *prepare.ExecuteMetaTable
	hostgroup    uint32
	username     string
	schemaName   string

	// pendingClientID/pendingGlobalID carry the id translation computed in
	// executeCmd through to the forward*Cmd helper for the command
	// currently being processed. Commands are processed strictly
	// sequentially per connection, so a pair of scalar fields is enough;
	// there is never a second in-flight command to clobber them.
	pendingClientID uint32
	pendingGlobalID uint64
}

func NewCmdProcessor(lg *zap.Logger) *CmdProcessor {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &CmdProcessor{
		logger:             lg,
		serverStatus:       0,
		preparedStmtStatus: make(map[int]uint32),
	}
}

// AttachStatementRegistry wires this CmdProcessor into the process-wide
// prepared statement registry, creating the per-session client and backend
// tables. It is called once, from BackendConnManager.Connect after
// authentication succeeds and username/schema are known. Before this call,
// COM_STMT_* handling in cmd_processor_exec.go is a pure pass-through.
func (cp *CmdProcessor) AttachStatementRegistry(reg *prepare.StatementRegistry, hostgroup uint32, username, schemaName string) {
	cp.stmtReg = reg
	cp.clientStmts = prepare.NewClientTable(reg)
	cp.backendStmts = prepare.NewBackendTable(reg)
	cp.longData = prepare.NewLongDataBuffer()
	cp.execMeta = prepare.NewExecuteMetaTable()
	cp.hostgroup = hostgroup
	cp.username = username
	cp.schemaName = schemaName
}

// StatementRegistryAttached reports whether AttachStatementRegistry has been
// called on this processor.
func (cp *CmdProcessor) StatementRegistryAttached() bool {
	return cp.stmtReg != nil
}

// ClientStatementTable exposes the per-session client table, e.g. for
// BackendConnManager's redirect path to enumerate still-referenced global
// ids (§13). Returns nil if no registry is attached.
func (cp *CmdProcessor) ClientStatementTable() *prepare.ClientTable {
	return cp.clientStmts
}

// BackendStatementTable exposes the per-connection backend table, e.g. for
// BackendConnManager's redirect path to tear down bindings on the old
// backend connection (§13). Returns nil if no registry is attached.
func (cp *CmdProcessor) BackendStatementTable() *prepare.BackendTable {
	return cp.backendStmts
}

// ExecuteMetaTable exposes the per-session execute-metadata table, for
// redirect replay (§13). Returns nil if no registry is attached.
func (cp *CmdProcessor) ExecuteMetaTable() *prepare.ExecuteMetaTable {
	return cp.execMeta
}

// closeSession releases every prepared statement this session still holds,
// for connection teardown. No-op if no registry is attached.
func (cp *CmdProcessor) closeSession() {
	if cp.stmtReg == nil {
		return
	}
	cp.clientStmts.Close()
	cp.backendStmts.Close(nil)
}

func (cp *CmdProcessor) handleOKPacket(request, response []byte) *gomysql.Result {
	r := pnet.ParseOKPacket(response)
	cp.updateServerStatus(request, r.Status)
	return r
}

func (cp *CmdProcessor) handleErrorPacket(data []byte) error {
	return pnet.ParseErrorPacket(data)
}

func (cp *CmdProcessor) handleEOFPacket(request, response []byte) uint16 {
	serverStatus := binary.LittleEndian.Uint16(response[3:])
	cp.updateServerStatus(request, serverStatus)
	return serverStatus
}

func (cp *CmdProcessor) updateServerStatus(request []byte, serverStatus uint16) {
	cp.updateTxnStatus(serverStatus)
	cp.updatePrepStmtStatus(request, serverStatus)
}

func (cp *CmdProcessor) updateTxnStatus(serverStatus uint16) {
	if serverStatus&mysql.ServerStatusInTrans > 0 {
		cp.serverStatus |= StatusInTrans
	} else {
		cp.serverStatus &^= StatusInTrans
	}
}

func (cp *CmdProcessor) updatePrepStmtStatus(request []byte, serverStatus uint16) {
	var (
		stmtID         int
		prepStmtStatus uint32
	)
	cmd := request[0]
	switch cmd {
	case mysql.ComStmtSendLongData, mysql.ComStmtExecute, mysql.ComStmtFetch, mysql.ComStmtReset, mysql.ComStmtClose:
		stmtID = int(binary.LittleEndian.Uint32(request[1:5]))
	case mysql.ComResetConnection, mysql.ComChangeUser:
		cp.preparedStmtStatus = make(map[int]uint32)
		cp.closeSession()
		return
	default:
		return
	}
	switch cmd {
	case mysql.ComStmtSendLongData:
		prepStmtStatus = StatusPrepareWaitExecute
	case mysql.ComStmtExecute:
		if serverStatus&mysql.ServerStatusCursorExists > 0 {
			prepStmtStatus = StatusPrepareWaitFetch
		}
	case mysql.ComStmtFetch:
		if serverStatus&mysql.ServerStatusLastRowSend == 0 {
			prepStmtStatus = StatusPrepareWaitFetch
		}
	}
	if prepStmtStatus > 0 {
		cp.preparedStmtStatus[stmtID] = prepStmtStatus
	} else {
		delete(cp.preparedStmtStatus, stmtID)
	}
}

func (cp *CmdProcessor) finishedTxn() bool {
	if cp.serverStatus&(StatusInTrans|StatusQuit) > 0 {
		return false
	}
	// If any result of the prepared statements is not fetched, we should wait.
	return !cp.hasPendingPreparedStmts()
}

func (cp *CmdProcessor) hasPendingPreparedStmts() bool {
	for _, serverStatus := range cp.preparedStmtStatus {
		if serverStatus > 0 {
			return true
		}
	}
	return false
}

// IsMySQLError returns true if the error is a MySQL error.
func IsMySQLError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*gomysql.MyError)
	return ok
}

// translateStmtID rewrites the 4-byte statement id in a COM_STMT_* request
// from the client-visible id to this connection's native backend handle,
// returning a copy of request with the id field replaced. If no registry is
// attached, request is returned unmodified (§13).
//
// Statements are always resolved through the session's ClientTable first
// (client id -> global id) and then through this connection's BackendTable
// (global id -> native handle). A global id with no native binding on this
// connection means the backend has never prepared it, which should only
// happen immediately after a redirect before replay has run; callers treat
// that as an unknown-statement error rather than preparing it implicitly,
// since implicit re-preparation belongs to the redirect path, not the hot
// command path.
func (cp *CmdProcessor) translateStmtID(request []byte) ([]byte, uint64, error) {
	if cp.stmtReg == nil || len(request) < 5 {
		return request, 0, nil
	}
	clientID := binary.LittleEndian.Uint32(request[1:5])
	globalID, ok := cp.clientStmts.GlobalIDFromClient(clientID)
	if !ok {
		return nil, 0, errors.Errorf("unknown prepared statement client id %d", clientID)
	}
	nativeID, ok := cp.backendStmts.NativeHandleForGlobal(globalID)
	if !ok {
		return nil, 0, errors.Errorf("prepared statement %d is not bound on this backend connection", globalID)
	}
	translated := make([]byte, len(request))
	copy(translated, request)
	binary.LittleEndian.PutUint32(translated[1:5], nativeID)
	return translated, globalID, nil
}

// captureExecuteMeta records the arguments of a COM_STMT_EXECUTE for
// failover replay (§4.5, §13). No-op if no registry is attached.
func (cp *CmdProcessor) captureExecuteMeta(globalID uint64, request []byte) {
	if cp.stmtReg == nil {
		return
	}
	info, ok := cp.stmtReg.FindByGlobalID(globalID, true)
	numParams := uint16(0)
	if ok {
		numParams = info.NumParams
	}
	cp.execMeta.Insert(prepare.CaptureExecuteMeta(globalID, numParams, request))
}

// rewritePrepareOK replaces the backend-native statement id in a
// COM_STMT_PREPARE_OK response with the proxy-issued client id, binding the
// native handle to a (possibly newly interned) global id along the way.
// No-op (response returned unmodified) if no registry is attached.
func (cp *CmdProcessor) rewritePrepareOK(query string, response []byte) ([]byte, error) {
	if cp.stmtReg == nil || len(response) < 12 {
		return response, nil
	}
	nativeID := binary.LittleEndian.Uint32(response[1:5])
	numColumns := binary.LittleEndian.Uint16(response[5:7])
	numParams := binary.LittleEndian.Uint16(response[7:9])
	warningCount := binary.LittleEndian.Uint16(response[10:12])

	normalized, digest := parser.NormalizeDigest(query)
	reply := prepare.PrepareReply{
		NumColumns:   numColumns,
		NumParams:    numParams,
		WarningCount: warningCount,
		Digest:       digest.String(),
		DigestText:   normalized,
		CommandKind:  pnet.ComStmtPrepare,
	}
	info, err := cp.stmtReg.Intern(cp.hostgroup, cp.username, cp.schemaName, query, uint32(len(query)), reply, prepare.CachePolicy{})
	if err != nil {
		return nil, err
	}
	cp.backendStmts.BackendBind(info.GlobalID, nativeID)
	clientID := cp.clientStmts.GenerateClientID(info.GlobalID)

	rewritten := make([]byte, len(response))
	copy(rewritten, response)
	binary.LittleEndian.PutUint32(rewritten[1:5], clientID)
	return rewritten, nil
}
