package api

import (
	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/logger"
)

func (c *Controller) initLiveRoutes() {
	if c.deps.Live == nil {
		return
	}
	c.Echo.GET("/ws", c.HandleLiveWS)
}

// HandleLiveWS subscribes the connection to telemetry and alerts of the
// organization in ?org=.
func (c *Controller) HandleLiveWS(ctx echo.Context) error {
	orgID, err := parseUintQuery(ctx, "org")
	if err != nil || orgID == 0 {
		return badRequest(ctx, "org query parameter is required")
	}
	if err := c.deps.Live.ServeWS(ctx.Response(), ctx.Request(), orgID); err != nil {
		// The upgrader has already written the HTTP error.
		c.log.Debug("websocket upgrade failed", logger.Error(err))
	}
	return nil
}
