package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rcrt-project/rcrt-runner/pkg/version"
)

// statusHandler handles GET /status: a point-in-time snapshot of every
// subsystem, cheap enough to poll.
func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, &StatusResponse{
		Version:        version.Full(),
		Workspace:      s.cfg.Workspace,
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Consumers:      s.reg.Stats(),
		Dispatcher:     s.disp.Stats(),
		Bridge:         s.bridge.Stats(),
		ContextConfigs: s.assembler.Configs(),
	})
}
