package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nafabric/nafabric/internal/server"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: msg, Data: data})
}

func fail(c *gin.Context, status int, code, msg string) {
	c.JSON(status, ErrorResponse{Code: code, Message: msg})
}

// failErr 按错误类型选择状态码
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, server.ErrNotFound):
		fail(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, server.ErrManagerOffline):
		fail(c, http.StatusServiceUnavailable, "MANAGER_OFFLINE", err.Error())
	case errors.Is(err, server.ErrInvalidMMC):
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
	default:
		fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// uintParam 路径中的无符号整数参数
func uintParam(c *gin.Context, name string) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", name+" must be an unsigned integer")
		return 0, false
	}
	return uint32(v), true
}
