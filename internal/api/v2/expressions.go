package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/shopspring/decimal"
)

// EvaluateRequest is the body of POST /expressions/evaluate. Statistical
// functions are unavailable here because there is no device history.
type EvaluateRequest struct {
	Expression string                     `json:"expression"`
	Variables  map[string]decimal.Decimal `json:"variables"`
}

// EvaluateResponse carries either a result or the failure position.
type EvaluateResponse struct {
	Expression string           `json:"expression"`
	Result     *decimal.Decimal `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Position   *int             `json:"position,omitempty"`
}

func (c *Controller) initExpressionRoutes() {
	if c.deps.Expressions == nil {
		return
	}
	expressions := c.Group.Group("/expressions")
	expressions.GET("/functions", c.ListFunctions)
	expressions.POST("/evaluate", c.EvaluateExpression)
	expressions.POST("/validate", c.ValidateExpression)
}

// ListFunctions returns the function catalog, optionally filtered by
// ?category=.
func (c *Controller) ListFunctions(ctx echo.Context) error {
	functions := c.deps.Expressions.Functions()
	if category := ctx.QueryParam("category"); category != "" {
		filtered := functions[:0:0]
		for _, f := range functions {
			if strings.EqualFold(f.Category, category) {
				filtered = append(filtered, f)
			}
		}
		functions = filtered
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"functions": functions,
		"count":     len(functions),
	})
}

// EvaluateExpression evaluates an expression against the supplied bindings.
func (c *Controller) EvaluateExpression(ctx echo.Context) error {
	var req EvaluateRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&req); err != nil {
		return badRequest(ctx, "Invalid JSON body")
	}
	if strings.TrimSpace(req.Expression) == "" {
		return badRequest(ctx, "Expression is required")
	}

	v, err := c.deps.Expressions.Evaluate(ctx.Request().Context(), req.Expression, req.Variables, nil)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, failedEvaluation(req.Expression, err))
	}
	return ctx.JSON(http.StatusOK, EvaluateResponse{Expression: req.Expression, Result: &v})
}

// ValidateExpression compiles an expression without evaluating it.
func (c *Controller) ValidateExpression(ctx echo.Context) error {
	var req EvaluateRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&req); err != nil {
		return badRequest(ctx, "Invalid JSON body")
	}
	if err := c.deps.Expressions.Validate(req.Expression); err != nil {
		resp := failedEvaluation(req.Expression, err)
		return ctx.JSON(http.StatusOK, map[string]any{"valid": false, "error": resp.Error, "position": resp.Position})
	}
	return ctx.JSON(http.StatusOK, map[string]any{"valid": true})
}

func failedEvaluation(src string, err error) EvaluateResponse {
	resp := EvaluateResponse{Expression: src, Error: err.Error()}
	var exprErr *expression.Error
	if errors.As(err, &exprErr) && exprErr.Pos >= 0 {
		pos := exprErr.Pos
		resp.Position = &pos
	}
	return resp
}
