// Package routes assembles the Clover admin API.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/routes/contact"
	"github.com/Ramsey-B/clover/pkg/routes/health"
)

// Options wires the API. A nil Verifier disables bearer authentication.
type Options struct {
	ServiceName string
	Logger      ectologger.Logger
	Verifier    middleware.TokenVerifier
	Contacts    *contact.Handler
	Health      *health.Checker
}

// New builds the echo server with the shared middleware stack and all routes
func New(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(opts.Logger)

	e.Use(otelecho.Middleware(opts.ServiceName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(opts.Logger))

	if opts.Health != nil {
		opts.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if opts.Verifier != nil {
		api.Use(middleware.Authentication(opts.Logger, opts.Verifier))
	}
	opts.Contacts.Register(api)

	return e
}
