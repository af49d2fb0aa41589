// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package prepare

import "github.com/pingcap/tiproxy/lib/util/errors"

var (
	// ErrRefcountUnderflow is logged when a decref would push a refcount below zero.
	// The registry clamps to zero instead of propagating this to the caller.
	ErrRefcountUnderflow = errors.New("prepared statement refcount underflow")
)
