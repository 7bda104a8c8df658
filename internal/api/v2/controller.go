// Package api implements the versioned HTTP endpoints: telemetry ingestion,
// expression tooling, rule and alert management, and live subscriptions.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/batching"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/telemetry"
)

// Ingester accepts readings for processing.
type Ingester interface {
	Ingest(ctx context.Context, r telemetry.Reading) error
}

// BatchStats reports the state of the write-behind queue.
type BatchStats interface {
	Stats() batching.Stats
}

// Devices looks devices up by primary key.
type Devices interface {
	GetDevice(ctx context.Context, id uint) (*entities.Device, error)
}

// WebSocketServer upgrades a request into a live subscription for one
// organization.
type WebSocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, organizationID uint) error
}

// Dependencies are the collaborators served by the controller. Batches,
// Rules, Synthetics and Live may be nil; their routes are then not registered.
type Dependencies struct {
	Ingest      Ingester
	Expressions *expression.Engine
	Batches     BatchStats
	Devices     Devices
	Rules       repository.RuleRepository
	Synthetics  repository.SyntheticVariableRepository
	Live        WebSocketServer
}

// Controller holds the handlers of the v1 API.
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	deps Dependencies
	log  logger.Logger
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// New registers the API routes on e and returns the controller.
func New(e *echo.Echo, deps Dependencies, log logger.Logger) *Controller {
	c := &Controller{
		Echo:  e,
		Group: e.Group("/api/v1"),
		deps:  deps,
		log:   log.With(logger.String("component", "api")),
	}
	c.initTelemetryRoutes()
	c.initExpressionRoutes()
	c.initBatchingRoutes()
	c.initAlertRoutes()
	c.initSyntheticRoutes()
	c.initLiveRoutes()
	return c
}

// HandleError writes an ErrorResponse. A zero code is derived from the
// error category.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusFor(err)
	}
	if code >= http.StatusInternalServerError {
		c.log.Error(message,
			logger.String("path", ctx.Path()),
			logger.Error(err))
	}
	return ctx.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Message: message,
		Code:    code,
	})
}

func statusFor(err error) int {
	var exprErr *expression.Error
	switch {
	case errors.IsCategory(err, errors.CategoryValidation), errors.As(err, &exprErr):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryNotFound), repository.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(ctx echo.Context, message string) error {
	return ctx.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// parseUintParam parses a uint route parameter.
func parseUintParam(ctx echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

// parseUintQuery parses an optional uint query parameter; absent is zero.
func parseUintQuery(ctx echo.Context, name string) (uint, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
