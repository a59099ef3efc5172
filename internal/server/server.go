// Package server exposes the action pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/execution"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/lock"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/pipeline"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/runtime"
)

// Pipeline is the proposal side of the system.
type Pipeline interface {
	GenerateProposedActions(ctx context.Context, opportunityID string) ([]crm.ProposedAction, error)
	ReEvaluateActions(ctx context.Context, opportunityID, reason string) (*pipeline.Reevaluation, error)
	CancelAllOpen(ctx context.Context, opportunityID string) (int, error)
}

// Executor is the human-decision side of the system.
type Executor interface {
	Execute(ctx context.Context, actionID, actorID string) (execution.Result, error)
	Approve(ctx context.Context, actionID, approverID string) (crm.ProposedAction, error)
	Reject(ctx context.Context, actionID, actorID, reason string) (crm.ProposedAction, error)
}

type Options struct {
	Secret  []byte
	Metrics http.Handler
	// Health reports dependency readiness for /healthz.
	Health func(ctx context.Context) error
	Logger *log.Logger
}

// New builds the echo instance with every route mounted.
func New(p Pipeline, x Executor, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(logger)

	e.GET("/healthz", func(c echo.Context) error {
		if opts.Health != nil {
			if err := opts.Health(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api")
	api.Use(runtime.EchoAuthMiddleware(opts.Secret))
	h := &ActionsHandler{Pipeline: p, Executor: x}
	h.Register(api)
	return e
}

// Run serves e on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// HTTPError is the JSON body of every error response.
type HTTPError struct {
	Error    string   `json:"error"`
	ActionID string   `json:"action_id,omitempty"`
	Expected []string `json:"expected,omitempty"`
	Actual   string   `json:"actual,omitempty"`
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	var conflict *crm.StateConflictError
	var execErr *crm.ExecutionError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, crm.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.Is(err, lock.ErrLocked):
		return http.StatusConflict
	case errors.As(err, &execErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := statusFor(err)
		body := HTTPError{Error: err.Error()}
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Message != nil {
			body.Error = fmt.Sprint(he.Message)
		}
		var conflict *crm.StateConflictError
		if errors.As(err, &conflict) {
			body.ActionID = conflict.ActionID
			body.Actual = string(conflict.Actual)
			for _, s := range conflict.Expected {
				body.Expected = append(body.Expected, string(s))
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, body)
		}
	}
}
