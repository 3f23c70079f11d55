package security

import (
	"context"
	"crypto/subtle"
	"net/http"

	"PPChat/tools/errs"
	sec "PPChat/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 业务 handler 统一用这几个 key 读取
const (
	CtxUserID   = "userId"
	CtxDeviceID = "deviceId"
	CtxClaims   = "claims"
)

// Authenticator 和 ws 握手用的是同一个实现
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*sec.Claims, error)
}

type Options struct {
	HeaderToken string // 自定义头，优先于 Authorization: Bearer
	QueryToken  string // 默认 "token"
}

func DefaultOptions() *Options {
	return &Options{HeaderToken: "X-Auth-Token", QueryToken: "token"}
}

// Middleware 校验 access token，失败回 401 + WireError；账号库不可用回 503
func Middleware(auth Authenticator, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := sec.ExtractToken(c.GetHeader(opts.HeaderToken), c.GetHeader("Authorization"), c.Query(opts.QueryToken))
		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			w := errs.ToWire(err)
			c.AbortWithStatusJSON(errs.HTTPStatus(w.Code), w)
			return
		}
		c.Set(CtxClaims, claims)
		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// UserID 鉴权后才有值
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserID)
}

// AdminToken /admin/* 共享口令；未配置口令时路由直接 404
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		got := c.GetHeader("X-Admin-Token")
		if got == "" {
			got = sec.BearerToken(c.GetHeader("Authorization"))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ToWire(errs.ErrAuthentication))
			return
		}
		c.Next()
	}
}
