package middleware

import (
	"github.com/gin-gonic/gin"
)

// RouteOpt 单条路由的选项
type RouteOpt struct {
	IsAuth bool
}

// Router 给需要登录的路由统一挂鉴权中间件
type Router struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRouter(r gin.IRoutes, auth gin.HandlerFunc) *Router {
	return &Router{r: r, auth: auth}
}

func (rt *Router) handlers(h gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if opt.IsAuth && rt.auth != nil {
		return []gin.HandlerFunc{rt.auth, h}
	}
	return []gin.HandlerFunc{h}
}

// POST 封装
func (rt *Router) POST(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.POST(path, rt.handlers(h, opt)...)
}

// GET 封装
func (rt *Router) GET(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.GET(path, rt.handlers(h, opt)...)
}
