package delivery

import (
	"net/http"
	"strconv"

	"PPChat/middleware"
	midsec "PPChat/middleware/security"

	"github.com/gin-gonic/gin"
)

// Routes 历史消息接口，需要先过鉴权中间件
func (c *Coordinator) Routes(rt *middleware.Router) {
	rt.GET("/api/conversations/:conversationId/messages", c.HandleListMessages, middleware.RouteOpt{IsAuth: true})
	rt.GET("/api/conversations/:conversationId/messages/:messageId/context", c.HandleMessageContext, middleware.RouteOpt{IsAuth: true})
}

// HandleListMessages GET /api/conversations/:conversationId/messages?cursor=&limit=
// 带 after=<cursor> 时往新的方向翻
func (c *Coordinator) HandleListMessages(ctx *gin.Context) {
	var (
		page *Page
		err  error
	)
	uid, convID, limit := midsec.UserID(ctx), ctx.Param("conversationId"), queryInt(ctx, "limit")
	if after, ok := ctx.GetQuery("after"); ok {
		page, err = c.ListNewer(ctx.Request.Context(), uid, convID, after, limit)
	} else {
		page, err = c.ListMessages(ctx.Request.Context(), uid, convID, ctx.Query("cursor"), limit)
	}
	if err != nil {
		middleware.Abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, page)
}

// HandleMessageContext GET /api/conversations/:conversationId/messages/:messageId/context?before=&after=
func (c *Coordinator) HandleMessageContext(ctx *gin.Context) {
	page, err := c.MessageContext(ctx.Request.Context(), midsec.UserID(ctx), ctx.Param("conversationId"), ctx.Param("messageId"),
		queryInt(ctx, "before"), queryInt(ctx, "after"))
	if err != nil {
		middleware.Abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, page)
}

// queryInt 缺省或非法时给 0，由 clampLimit 取默认值
func queryInt(ctx *gin.Context, key string) int {
	n, err := strconv.Atoi(ctx.Query(key))
	if err != nil {
		return 0
	}
	return n
}
