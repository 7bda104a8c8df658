package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
)

// TelemetryRequest is the body of POST /telemetry. Variables may carry
// nulls, which are dropped.
type TelemetryRequest struct {
	DeviceID       string                         `json:"deviceId"`
	OrganizationID uint                           `json:"organizationId,omitempty"`
	Timestamp      *time.Time                     `json:"timestamp,omitempty"`
	Variables      map[string]decimal.NullDecimal `json:"variables"`
	Metadata       map[string]any                 `json:"metadata,omitempty"`
}

// IngestResponse acknowledges an accepted reading.
type IngestResponse struct {
	Status    string    `json:"status"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Variables int       `json:"variables"`
}

func (c *Controller) initTelemetryRoutes() {
	c.Group.POST("/telemetry", c.PostTelemetry)
	c.Group.POST("/ingest/:deviceId", c.PostSimpleIngest)
}

// PostTelemetry ingests one full reading.
func (c *Controller) PostTelemetry(ctx echo.Context) error {
	var req TelemetryRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&req); err != nil {
		return badRequest(ctx, "Invalid JSON body")
	}

	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	r := telemetry.NewReading(req.DeviceID, ts, presentValues(req.Variables), req.Metadata)
	r.OrganizationID = req.OrganizationID
	return c.ingest(ctx, r)
}

// PostSimpleIngest ingests a flat {variable: value} body for the device in
// the path, timestamped on arrival. The organization comes from ?org= or
// the configured default.
func (c *Controller) PostSimpleIngest(ctx echo.Context) error {
	orgID, err := parseUintQuery(ctx, "org")
	if err != nil {
		return badRequest(ctx, "Invalid org parameter")
	}
	var body map[string]decimal.NullDecimal
	if err := json.NewDecoder(ctx.Request().Body).Decode(&body); err != nil {
		return badRequest(ctx, "Body must be a JSON object of numeric values")
	}

	r := telemetry.NewReading(ctx.Param("deviceId"), time.Now(), presentValues(body), nil)
	r.OrganizationID = orgID
	return c.ingest(ctx, r)
}

func (c *Controller) ingest(ctx echo.Context, r telemetry.Reading) error {
	if err := c.deps.Ingest.Ingest(ctx.Request().Context(), r); err != nil {
		return c.HandleError(ctx, err, "Failed to ingest reading", 0)
	}
	return ctx.JSON(http.StatusAccepted, IngestResponse{
		Status:    "accepted",
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp,
		Variables: len(r.Values),
	})
}

func presentValues(in map[string]decimal.NullDecimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for name, v := range in {
		if v.Valid {
			out[name] = v.Decimal
		}
	}
	return out
}
