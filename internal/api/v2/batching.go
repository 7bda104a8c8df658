package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (c *Controller) initBatchingRoutes() {
	c.Group.GET("/batching/stats", c.GetBatchingStats)
}

// GetBatchingStats reports the write-behind queue. In direct mode there is
// no queue and only the mode is returned.
func (c *Controller) GetBatchingStats(ctx echo.Context) error {
	if c.deps.Batches == nil {
		return ctx.JSON(http.StatusOK, map[string]any{"enabled": false})
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"enabled": true,
		"stats":   c.deps.Batches.Stats(),
	})
}
