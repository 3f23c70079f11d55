package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginList 浏览器 Origin 白名单；"*" 放行全部，空 Origin（非浏览器客户端）总是放行
type OriginList struct {
	any bool
	set map[string]struct{}
}

func NewOriginList(allowed []string) *OriginList {
	l := &OriginList{set: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		o = normOrigin(o)
		if o == "*" {
			l.any = true
			continue
		}
		if o != "" {
			l.set[o] = struct{}{}
		}
	}
	return l
}

func normOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

func (l *OriginList) Allowed(origin string) bool {
	origin = normOrigin(origin)
	if origin == "" || l.any {
		return true
	}
	_, ok := l.set[origin]
	return ok
}

// CORS 历史接口跨域；不在白名单的 Origin 不回 Allow-Origin，由浏览器拦截
func CORS(l *OriginList) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && l.Allowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Admin-Token")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
		}
	}
}
