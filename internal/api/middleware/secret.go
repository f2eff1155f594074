package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/qs3c/scent_sub_server/internal/pkg/response"
)

// SecretAuth 用 bcrypt 校验 Bearer 共享密钥，供定时任务与管理接口使用
// hash 为空时拒绝所有请求
func SecretAuth(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := bearerToken(c)
		if !ok || hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
			slog.Warn("rejected request with invalid secret",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Response{
				Code:    response.CodeAuthFailed,
				Message: "unauthorized",
			})
			return
		}
		c.Next()
	}
}
