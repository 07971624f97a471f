package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nafabric/nafabric/internal/server"
	"github.com/nafabric/nafabric/pkg/logger"
)

// MMCHandler MMC 提交与结果查询
type MMCHandler struct {
	srv *server.Server
}

// NewMMCHandler 创建 MMC 处理器
func NewMMCHandler(srv *server.Server) *MMCHandler {
	return &MMCHandler{srv: srv}
}

// Submit 提交 MMC
// @Summary 提交 MMC 命令
// @Tags mmc
// @Accept json
// @Produce json
// @Param request body server.MMCSubmit true "MMC 请求"
// @Success 202 {object} SuccessResponse "已受理"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/mmc [post]
func (h *MMCHandler) Submit(c *gin.Context) {
	var req server.MMCSubmit
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warnf("Invalid MMC request: %v", err)
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", "invalid mmc request: "+err.Error())
		return
	}
	hist, err := h.srv.SubmitMMC(req)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Code: "SUCCESS", Message: "mmc accepted", Data: hist})
}

// Get 查询 MMC 状态与结果
// @Router /api/v1/mmc/{id} [get]
func (h *MMCHandler) Get(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	hist, err := h.srv.Store().MMC(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "ok", hist)
}
