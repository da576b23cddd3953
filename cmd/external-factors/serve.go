package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	httpapi "github.com/i474232898/external-factors/internal/api/http"
	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
	"github.com/i474232898/external-factors/internal/scheduler"
	"github.com/i474232898/external-factors/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and run scheduled collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(0)
	if err != nil {
		return err
	}
	defer a.Close()

	// Run history with configured retention.
	runs := store.NewMemoryStore(a.cfg.RunHistory, a.cfg.RunMaxAge)

	sched := scheduler.New(a.orch, runs, func() collect.Window {
		return collect.LastDays(time.Now(), a.cfg.WindowDays)
	}, a.cfg.ScheduleInterval, a.log)
	if err := sched.Start(); err != nil {
		return errors.Wrap(err, "failed to start scheduler")
	}
	defer sched.Stop()

	app := newServer(httpapi.Deps{
		Collector:  a.orch,
		Runs:       runs,
		Tables:     a.sink,
		WindowDays: a.cfg.WindowDays,
	})

	go func() {
		if err := app.Listen(":" + a.cfg.Port); err != nil {
			a.log.Errorw("fiber server stopped", logger.FieldError, err.Error())
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		a.log.Warnw("error during shutdown", logger.FieldError, err.Error())
	}
	return nil
}

func newServer(deps httpapi.Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "external-factors",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "external-factors",
		})
	})

	httpapi.RegisterRoutes(app, deps)
	return app
}
