package httpapi

import (
	"sort"

	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/qwatch/logger"
	"github.com/docpipe/qwatch/monitor"
)

// Server is the operator-facing HTTP API bound to one monitor instance.
type Server struct {
	cfg        Config
	router     *fiber.App
	listenAddr string
}

// NewServer creates a Server with the default middleware chain and all
// monitor routes registered.
func NewServer(cfg Config, m *monitor.Monitor, log logger.Logger) *Server {
	router := fiber.New(fiber.Config{
		ReadTimeout:              cfg.ReadTimeout,
		WriteTimeout:             cfg.WriteTimeout,
		IdleTimeout:              cfg.IdleTimeout,
		ErrorHandler:             customErrorHandler(cfg.HideErrorDetails),
		DisableStartupMessage:    true,
		Immutable:                true,
		BodyLimit:                cfg.BodyLimit,
		EnableSplittingOnParsers: true,
	})

	applyMiddlewares(router, []Middleware{
		newRecoveryMW(log),
		newMetaInjectMW(),
		newTimeoutMW(cfg.HandleTimeout),
		newLoggerMW(log),
		newErrorHandlerMW(cfg.HideErrorDetails),
	})

	registerRoutes(router, newHandler(m))

	return &Server{
		cfg:        cfg,
		router:     router,
		listenAddr: cfg.Address(),
	}
}

// Start begins listening for incoming HTTP requests on the configured address.
func (s *Server) Start() error {
	return s.router.Listen(s.listenAddr)
}

// Stop gracefully stops the server, allowing ongoing requests to complete.
func (s *Server) Stop() error {
	return s.router.Shutdown()
}

// Router exposes the underlying fiber app, mainly for tests.
func (s *Server) Router() *fiber.App {
	return s.router
}

// Middleware represents an HTTP middleware with a priority for ordering.
// Higher priority middlewares are applied first.
type Middleware struct {
	Priority int
	Handler  fiber.Handler
}

// applyMiddlewares registers the provided middlewares in priority order.
func applyMiddlewares(app *fiber.App, middlewares []Middleware) {
	sort.Slice(middlewares, func(i, j int) bool {
		return middlewares[i].Priority > middlewares[j].Priority
	})
	for _, mw := range middlewares {
		if mw.Handler == nil {
			continue
		}
		app.Use(mw.Handler)
	}
}
