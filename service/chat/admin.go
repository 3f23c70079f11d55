package chat

import (
	"net/http"

	"PPChat/middleware"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
)

type maintenanceReq struct {
	Message string `json:"message"`
}

// HandleMaintenance POST /admin/maintenance，全部节点的连接都会收到 server-maintenance
func (g *Gateway) HandleMaintenance(c *gin.Context) {
	var req maintenanceReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		middleware.Abort(c, errs.ErrInvalidArgument.WrapMsg("message required"))
		return
	}
	if err := g.AnnounceMaintenance(c.Request.Context(), req.Message); err != nil {
		middleware.Abort(c, errs.ErrInfra.WrapMsg("publish maintenance", "err", err.Error()))
		return
	}
	c.Status(http.StatusAccepted)
}

type Stats struct {
	NodeID      string `json:"nodeId"`
	Connections int64  `json:"connections"`
	Users       int    `json:"users"`
	Draining    bool   `json:"draining"`
}

func (g *Gateway) Stats() Stats {
	return Stats{
		NodeID:      g.conf.NodeID,
		Connections: g.live.Load(),
		Users:       g.Hub.UserCount(),
		Draining:    g.draining.Load(),
	}
}

// HandleStats GET /admin/stats
func (g *Gateway) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, g.Stats())
}
