package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nafabric/nafabric/internal/model"
	"github.com/nafabric/nafabric/internal/server"
)

// PortHandler 端口表维护
type PortHandler struct {
	srv *server.Server
}

// NewPortHandler 创建端口处理器
func NewPortHandler(srv *server.Server) *PortHandler {
	return &PortHandler{srv: srv}
}

// List 全部端口
func (h *PortHandler) List(c *gin.Context) {
	ports, err := h.srv.Store().Ports()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "ok", ports)
}

// Save 新增或修改端口，保存后立即同步到 Manager
// @Router /api/v1/ports [post]
func (h *PortHandler) Save(c *gin.Context) {
	var p model.ConnectorPort
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", "invalid port: "+err.Error())
		return
	}
	if err := h.srv.SavePort(&p); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	ok(c, "port saved", p)
}

// Open 打开端口
func (h *PortHandler) Open(c *gin.Context) {
	h.setOpen(c, true)
}

// Close 关闭端口
func (h *PortHandler) Close(c *gin.Context) {
	h.setOpen(c, false)
}

func (h *PortHandler) setOpen(c *gin.Context, open bool) {
	seq, valid := uintParam(c, "seq")
	if !valid {
		return
	}
	if err := h.srv.SetPortOpen(seq, open); err != nil {
		failErr(c, err)
		return
	}
	port, err := h.srv.Store().Port(seq)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "port updated", port)
}
