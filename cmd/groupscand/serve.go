package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"groupscan/internal/api"
	"groupscan/internal/automation"
	"groupscan/internal/config"
	"groupscan/internal/core"
	"groupscan/internal/logging"
	groupscanmcp "groupscan/internal/mcp"
	"groupscan/internal/metrics"
	"groupscan/internal/notify"
	"groupscan/internal/store"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with the HTTP API, the MCP stdio server, or both",
	RunE:  runServe,
}

func init() {
	config.BindFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, logging.Options{
		Stderr: cfg.Mode != "http",
		Path:   cfg.Log.File,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	registry := metrics.New(true)
	clients, err := buildClients(cfg, logger)
	if err != nil {
		return err
	}
	engine := core.NewEngine(storeInst, clients, logger, core.EngineOptions{
		Throttle: core.JitterThrottle{
			TargetMin: cfg.Throttle.TargetMin,
			TargetMax: cfg.Throttle.TargetMax,
			ActionMin: cfg.Throttle.ActionMin,
			ActionMax: cfg.Throttle.ActionMax,
		},
		Notifier: buildNotifier(cfg, logger),
		Metrics:  registry,
	})
	scheduler := core.NewScheduler(storeInst, engine, logger, core.SchedulerOptions{
		Location:      location,
		SweepInterval: cfg.SweepInterval,
	})
	service := core.NewService(storeInst, engine, scheduler, logger, location)

	scheduler.Start(ctx)
	if err := scheduler.LoadAll(ctx); err != nil {
		logger.Error("load recurring templates", "err", err)
	}
	go scheduler.Run(ctx)

	mcpServer := groupscanmcp.NewMCPServer(service, logger, cfg.MCPOwner)
	errc := make(chan error, 2)

	var server *api.Server
	if cfg.Mode == "http" || cfg.Mode == "both" {
		server, err = api.NewServer(cfg.Server.Addr, service, logger, api.Options{
			Tokens:       cfg.Server.Tokens,
			DefaultOwner: config.DefaultOwner,
			MCP:          mcpServer.Handler(),
			Metrics:      registry.Handler(),
		})
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		if len(cfg.Server.Tokens) == 0 {
			logger.Warn("no auth tokens configured; every request acts for the default owner", "owner_id", config.DefaultOwner)
		}
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if cfg.Mode == "mcp" || cfg.Mode == "both" {
		go func() {
			// ServeStdio returns when stdin closes; treat that as a shutdown request.
			if err := mcpServer.Run(); err != nil {
				errc <- fmt.Errorf("mcp server: %w", err)
				return
			}
			errc <- nil
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errc:
		if runErr != nil {
			logger.Error("server error", "err", runErr)
		}
	}

	shutdown(cfg, logger, server, scheduler, engine)
	logger.Info("shutdown complete")
	return runErr
}

func shutdown(cfg *config.Config, logger *slog.Logger, server *api.Server, scheduler *core.Scheduler, engine *core.Engine) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("engine stop timed out")
	}
}

func buildClients(cfg *config.Config, logger *slog.Logger) (core.ClientFactory, error) {
	if cfg.Bridge.URL == "" {
		logger.Warn("no automation bridge configured; tasks will fail at authentication")
		return core.ClientFactoryFunc(func(core.Account) core.AutomationClient {
			return unconfiguredClient{}
		}), nil
	}
	bridge, err := automation.NewBridge(automation.Config{
		BaseURL:    cfg.Bridge.URL,
		Token:      cfg.Bridge.Token,
		Timeout:    cfg.Bridge.Timeout,
		MaxRetries: uint(cfg.Bridge.MaxRetries),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("automation bridge: %w", err)
	}
	return bridge, nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	if len(notifiers) == 0 {
		return &notify.NoOpNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

var errNoBridge = errors.New("no automation bridge configured")

type unconfiguredClient struct{}

func (unconfiguredClient) Authenticate(context.Context, core.Account) error { return errNoBridge }
func (unconfiguredClient) ListTargetItems(context.Context, core.Target, int) ([]core.Item, error) {
	return nil, errNoBridge
}
func (unconfiguredClient) PerformReply(context.Context, core.ReplyRequest) error { return errNoBridge }
func (unconfiguredClient) Close() error                                          { return nil }
