package apihttp

import (
	"errors"
	"net/http"

	"warden/internal/lifecycle"
	"warden/internal/logger"
	"warden/internal/scheduler"

	"github.com/gin-gonic/gin"
)

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, lifecycle.ErrExists),
		errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("[api] %s %s failed ip=%s err=%v", c.Request.Method, c.FullPath(), c.ClientIP(), err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
