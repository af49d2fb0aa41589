// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/binary"

	"github.com/pingcap/tidb/parser/mysql"
	"github.com/pingcap/tiproxy/lib/util/errors"
	pnet "github.com/pingcap/tiproxy/pkg/proxy/net"
	"github.com/pingcap/tiproxy/pkg/proxy/prepare"
	"go.uber.org/zap"
)

// redirectPreparedStatements is called from BackendConnManager's redirect
// path once a new backend connection has finished its handshake (§13). It
// tears down the native bindings owned by the old backend connection and
// re-prepares, on newBackendIO, every statement the session still
// references through its ClientTable, so client ids keep resolving after
// the switch. It does not re-issue the last COM_STMT_EXECUTE itself: a
// statement is made available again, not blindly re-run, since re-running
// a non-SELECT statement automatically would duplicate its side effects.
// The captured ExecuteMeta remains available through ExecuteMetaTable for a
// caller that explicitly wants byte-for-byte replay of the last execution.
func (cp *CmdProcessor) redirectPreparedStatements(newBackendIO pnet.PacketIO) {
	if cp.stmtReg == nil {
		return
	}
	oldBackendStmts := cp.backendStmts
	cp.backendStmts = prepare.NewBackendTable(cp.stmtReg)
	oldBackendStmts.Close(nil)

	for _, globalID := range cp.clientStmts.GlobalIDs() {
		info, ok := cp.stmtReg.FindByGlobalID(globalID, true)
		if !ok {
			continue
		}
		if err := cp.reprepareOnBackend(newBackendIO, info); err != nil {
			cp.logger.Warn("failed to re-prepare statement after redirect",
				zap.Uint64("global_id", globalID), zap.Error(err))
		}
	}
}

// reprepareOnBackend issues COM_STMT_PREPARE for info.QueryText on
// newBackendIO and binds the freshly assigned native handle, without
// forwarding anything to the client: the client already holds a stable
// client id from the original PREPARE.
func (cp *CmdProcessor) reprepareOnBackend(backendIO pnet.PacketIO, info *prepare.StatementInfo) error {
	req := make([]byte, 1+len(info.QueryText))
	req[0] = mysql.ComStmtPrepare
	copy(req[1:], info.QueryText)
	if err := backendIO.WritePacket(req, true); err != nil {
		return err
	}
	response, err := backendIO.ReadPacket()
	if err != nil {
		return err
	}
	switch response[0] {
	case mysql.OKHeader:
		nativeID := binary.LittleEndian.Uint32(response[1:5])
		numColumns := binary.LittleEndian.Uint16(response[5:7])
		numParams := binary.LittleEndian.Uint16(response[7:9])
		expectedEOFNum := 0
		if numColumns > 0 {
			expectedEOFNum++
		}
		if numParams > 0 {
			expectedEOFNum++
		}
		for i := 0; i < expectedEOFNum; i++ {
			if err := drainUntilEOF(backendIO); err != nil {
				return err
			}
		}
		cp.backendStmts.BackendBind(info.GlobalID, nativeID)
		return nil
	case mysql.ErrHeader:
		return cp.handleErrorPacket(response)
	}
	return errors.Errorf("unexpected response to internal re-prepare, resp:%d", response[0])
}

// drainUntilEOF reads and discards packets from backendIO until an EOF
// packet is seen, for the column/param definition packets of an internal
// re-prepare that must not reach the client.
func drainUntilEOF(backendIO pnet.PacketIO) error {
	for {
		data, err := backendIO.ReadPacket()
		if err != nil {
			return err
		}
		if pnet.IsEOFPacket(data) {
			return nil
		}
	}
}
