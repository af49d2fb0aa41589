// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Server) preparedStatementMetrics(c *gin.Context) {
	if h.mgr.PreparedStatements == nil {
		c.JSON(http.StatusServiceUnavailable, "prepared statement cache is disabled")
		return
	}
	c.JSON(http.StatusOK, h.mgr.PreparedStatements.Metrics())
}

func (h *Server) preparedStatementEnumerate(c *gin.Context) {
	if h.mgr.PreparedStatements == nil {
		c.JSON(http.StatusServiceUnavailable, "prepared statement cache is disabled")
		return
	}
	c.JSON(http.StatusOK, h.mgr.PreparedStatements.Enumerate())
}

func (h *Server) registerPrepare(group *gin.RouterGroup) {
	group.GET("/metrics", h.preparedStatementMetrics)
	group.GET("/statements", h.preparedStatementEnumerate)
}
