package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/alerting"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/logger"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 200
)

// initAlertRoutes registers rule and alert endpoints.
func (c *Controller) initAlertRoutes() {
	if c.deps.Rules == nil || c.deps.Devices == nil {
		return
	}

	rules := c.Group.Group("/rules")
	rules.GET("", c.ListRules)
	rules.GET("/:id", c.GetRule)
	rules.POST("", c.CreateRule)
	rules.PUT("/:id", c.UpdateRule)
	rules.PATCH("/:id/toggle", c.ToggleRule)
	rules.DELETE("/:id", c.DeleteRule)

	alerts := c.Group.Group("/alerts")
	alerts.GET("", c.ListAlerts)
	alerts.GET("/schema", c.GetAlertSchema)
	alerts.POST("/:id/acknowledge", c.AcknowledgeAlert)
}

// GetAlertSchema returns the operators and severities for rule editors.
func (c *Controller) GetAlertSchema(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, alerting.GetSchema())
}

// ListRules returns rules, optionally filtered by organization, device
// and enabled state.
func (c *Controller) ListRules(ctx echo.Context) error {
	var filter repository.RuleFilter
	var err error
	if filter.OrganizationID, err = parseUintQuery(ctx, "organization_id"); err != nil {
		return badRequest(ctx, "Invalid organization_id")
	}
	if filter.DeviceID, err = parseUintQuery(ctx, "device_id"); err != nil {
		return badRequest(ctx, "Invalid device_id")
	}
	if enabledParam := ctx.QueryParam("enabled"); enabledParam != "" {
		v, err := strconv.ParseBool(enabledParam)
		if err != nil {
			return badRequest(ctx, "Invalid enabled")
		}
		filter.Enabled = &v
	}

	rules, err := c.deps.Rules.ListRules(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list rules", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule returns a single rule by ID.
func (c *Controller) GetRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}
	rule, err := c.deps.Rules.GetRule(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get rule", 0)
	}
	return ctx.JSON(http.StatusOK, rule)
}

// CreateRule creates a rule. The organization is taken from the device.
func (c *Controller) CreateRule(ctx echo.Context) error {
	var rule entities.Rule
	if err := json.NewDecoder(ctx.Request().Body).Decode(&rule); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	rule.ID = 0
	if err := c.prepareRule(ctx, &rule); err != nil {
		return c.HandleError(ctx, err, "Invalid rule", 0)
	}

	if err := c.deps.Rules.CreateRule(ctx.Request().Context(), &rule); err != nil {
		return c.HandleError(ctx, err, "Failed to create rule", http.StatusInternalServerError)
	}
	c.log.Info("rule created",
		logger.String("name", rule.Name),
		logger.Uint64("id", uint64(rule.ID)),
		logger.Uint64("device_id", uint64(rule.DeviceID)))
	return ctx.JSON(http.StatusCreated, rule)
}

// UpdateRule replaces an existing rule.
func (c *Controller) UpdateRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}
	existing, err := c.deps.Rules.GetRule(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get rule", 0)
	}

	var rule entities.Rule
	if err := json.NewDecoder(ctx.Request().Body).Decode(&rule); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	if err := c.prepareRule(ctx, &rule); err != nil {
		return c.HandleError(ctx, err, "Invalid rule", 0)
	}

	if err := c.deps.Rules.UpdateRule(ctx.Request().Context(), &rule); err != nil {
		return c.HandleError(ctx, err, "Failed to update rule", 0)
	}
	return ctx.JSON(http.StatusOK, rule)
}

func (c *Controller) prepareRule(ctx echo.Context, rule *entities.Rule) error {
	if err := alerting.ValidateRule(rule); err != nil {
		return err
	}
	device, err := c.deps.Devices.GetDevice(ctx.Request().Context(), rule.DeviceID)
	if err != nil {
		return err
	}
	rule.OrganizationID = device.OrganizationID
	return nil
}

// ToggleRule enables or disables a rule.
func (c *Controller) ToggleRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(ctx.Request().Body).Decode(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	if err := c.deps.Rules.ToggleRule(ctx.Request().Context(), id, body.Enabled); err != nil {
		return c.HandleError(ctx, err, "Failed to toggle rule", 0)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// DeleteRule deletes a rule and, by cascade, its alerts.
func (c *Controller) DeleteRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}
	if err := c.deps.Rules.DeleteRule(ctx.Request().Context(), id); err != nil {
		return c.HandleError(ctx, err, "Failed to delete rule", 0)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// ListAlerts returns a page of alerts, newest first.
func (c *Controller) ListAlerts(ctx echo.Context) error {
	filter := repository.AlertFilter{Limit: defaultAlertLimit}
	var err error
	if filter.RuleID, err = parseUintQuery(ctx, "rule_id"); err != nil {
		return badRequest(ctx, "Invalid rule_id")
	}
	if filter.DeviceID, err = parseUintQuery(ctx, "device_id"); err != nil {
		return badRequest(ctx, "Invalid device_id")
	}
	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		if v, err := strconv.Atoi(limitParam); err == nil && v > 0 {
			filter.Limit = min(v, maxAlertLimit)
		}
	}
	if offsetParam := ctx.QueryParam("offset"); offsetParam != "" {
		if v, err := strconv.Atoi(offsetParam); err == nil && v >= 0 {
			filter.Offset = v
		}
	}

	items, total, err := c.deps.Rules.ListAlerts(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list alerts", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"alerts": items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// AcknowledgeAlert marks an alert as seen.
func (c *Controller) AcknowledgeAlert(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid alert ID")
	}
	if err := c.deps.Rules.AcknowledgeAlert(ctx.Request().Context(), id); err != nil {
		return c.HandleError(ctx, err, "Failed to acknowledge alert", 0)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}
