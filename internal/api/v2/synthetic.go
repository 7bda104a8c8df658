package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
)

func (c *Controller) initSyntheticRoutes() {
	if c.deps.Synthetics == nil || c.deps.Devices == nil || c.deps.Expressions == nil {
		return
	}
	c.Group.GET("/devices/:deviceId/synthetic-variables", c.ListSyntheticVariables)
	c.Group.POST("/devices/:deviceId/synthetic-variables", c.CreateSyntheticVariable)
	c.Group.DELETE("/synthetic-variables/:id", c.DeleteSyntheticVariable)
}

// ListSyntheticVariables returns every definition of a device.
func (c *Controller) ListSyntheticVariables(ctx echo.Context) error {
	deviceID, err := parseUintParam(ctx, "deviceId")
	if err != nil {
		return badRequest(ctx, "Invalid device ID")
	}
	defs, err := c.deps.Synthetics.List(ctx.Request().Context(), deviceID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list synthetic variables", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"synthetic_variables": defs,
		"count":               len(defs),
	})
}

// CreateSyntheticVariable stores a definition after checking that its
// expression compiles.
func (c *Controller) CreateSyntheticVariable(ctx echo.Context) error {
	deviceID, err := parseUintParam(ctx, "deviceId")
	if err != nil {
		return badRequest(ctx, "Invalid device ID")
	}
	var def entities.SyntheticVariable
	if err := json.NewDecoder(ctx.Request().Body).Decode(&def); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	def.ID = 0
	def.DeviceID = deviceID
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return badRequest(ctx, "Name is required")
	}
	if err := c.deps.Expressions.Validate(def.Expression); err != nil {
		return ctx.JSON(http.StatusBadRequest, failedEvaluation(def.Expression, err))
	}

	reqCtx := ctx.Request().Context()
	if _, err := c.deps.Devices.GetDevice(reqCtx, deviceID); err != nil {
		return c.HandleError(ctx, err, "Failed to get device", 0)
	}
	if err := c.deps.Synthetics.Create(reqCtx, &def); err != nil {
		return c.HandleError(ctx, err, "Failed to create synthetic variable", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusCreated, def)
}

// DeleteSyntheticVariable removes a definition. Values already derived
// are kept.
func (c *Controller) DeleteSyntheticVariable(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid synthetic variable ID")
	}
	if err := c.deps.Synthetics.Delete(ctx.Request().Context(), id); err != nil {
		return c.HandleError(ctx, err, "Failed to delete synthetic variable", 0)
	}
	return ctx.NoContent(http.StatusNoContent)
}
