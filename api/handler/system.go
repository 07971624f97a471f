package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nafabric/nafabric/internal/database"
	"github.com/nafabric/nafabric/internal/server"
)

// SystemHandler 规则下发、错误记录与健康检查
type SystemHandler struct {
	srv *server.Server
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(srv *server.Server) *SystemHandler {
	return &SystemHandler{srv: srv}
}

// ParsingRuleDown 通知所有 Manager 解析规则已变更
// @Router /api/v1/rules/{rule_id}/parsing [post]
func (h *SystemHandler) ParsingRuleDown(c *gin.Context) {
	h.ruleDown(c, server.RuleParsing)
}

// MappingRuleDown 通知所有 Manager 映射规则已变更
// @Router /api/v1/rules/{rule_id}/mapping [post]
func (h *SystemHandler) MappingRuleDown(c *gin.Context) {
	h.ruleDown(c, server.RuleMapping)
}

func (h *SystemHandler) ruleDown(c *gin.Context, kind string) {
	id, err := h.srv.RuleDown(c.Param("rule_id"), kind)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "rule down sent", gin.H{"id": id, "rule_id": c.Param("rule_id"), "kind": kind})
}

// Errors 最近的 AsciiError 记录
func (h *SystemHandler) Errors(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.srv.Store().Errors(limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "ok", list)
}

// Health 健康检查
// @Success 200 {object} SuccessResponse "服务正常"
// @Failure 503 {object} ErrorResponse "服务异常"
// @Router /api/v1/health [get]
func (h *SystemHandler) Health(c *gin.Context) {
	if err := database.Health(); err != nil {
		fail(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "database: "+err.Error())
		return
	}
	ok(c, "服务正常", gin.H{
		"managers": h.srv.Managers(),
		"database": database.GetStats(),
	})
}
