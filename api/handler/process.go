package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nafabric/nafabric/internal/model"
	"github.com/nafabric/nafabric/internal/server"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ProcessHandler 进程配置与启停
type ProcessHandler struct {
	srv *server.Server
}

// NewProcessHandler 创建进程处理器
func NewProcessHandler(srv *server.Server) *ProcessHandler {
	return &ProcessHandler{srv: srv}
}

// List 全部进程
func (h *ProcessHandler) List(c *gin.Context) {
	list, err := h.srv.Store().Processes()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "ok", list)
}

// Save 新增或修改进程
// @Router /api/v1/processes [post]
func (h *ProcessHandler) Save(c *gin.Context) {
	var p model.Process
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", "invalid process: "+err.Error())
		return
	}
	if err := h.srv.SaveProcess(&p); err != nil {
		logger.Warnf("Save process %s: %v", p.ProcessID, err)
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	saved, err := h.srv.Store().Process(p.ProcessID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "process saved", saved)
}

// Start 启动进程
func (h *ProcessHandler) Start(c *gin.Context) {
	if err := h.srv.StartProcess(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, "start command sent", nil)
}

// Stop 停止进程
func (h *ProcessHandler) Stop(c *gin.Context) {
	if err := h.srv.StopProcess(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, "stop command sent", nil)
}
