package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/cadence/internal/actions"
	"github.com/rendis/cadence/internal/api"
	"github.com/rendis/cadence/internal/logging"
	"github.com/rendis/cadence/internal/scheduler"
	"github.com/rendis/cadence/internal/streaming"
	cadencemcp "github.com/rendis/cadence/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

var serveOpts struct {
	stdio bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the HTTP API and the MCP server",
	Long: `serve runs trigger detection and step execution on their cron schedules,
serves the run lifecycle API under /api/v1 and exposes the same operations
as MCP tools, over SSE on the HTTP listener and optionally over stdio.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveOpts.stdio, "stdio", false, "also serve MCP over stdin/stdout")
	serveCmd.Flags().String("listen", "", "HTTP listen address (empty string in config disables HTTP)")
	flagKeys["listen"] = "listen_addr"
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The MCP server needs the engine and the engine's notifications need
	// the MCP server. Route them through a swapper and close the loop below.
	var sinks *sinkSwapper
	hub := streaming.NewMemoryHub()
	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{
		wrapSink: func(crmSink actions.NotificationSink) actions.NotificationSink {
			sinks = newSinkSwapper(crmSink)
			return sinks
		},
		hub: hub,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	var mcpSrv *cadencemcp.CadenceServer
	if cfg.MCP.Enabled || serveOpts.stdio {
		mcpSrv = cadencemcp.NewCadenceServer(cadencemcp.CadenceServerDeps{
			Engine: rt.engine,
			Logger: logger.With(slog.String("component", "mcp")),
		})
		sinks.Swap(cadencemcp.NewMCPNotifier(mcpSrv.MCPServer(), mcpSrv.Sessions(), sinks.Current()))
	}

	sched, err := scheduler.NewScheduler(
		logger.With(slog.String("component", "scheduler")),
		scheduler.Options{RunOnStart: cfg.Poll.RunOnStart},
		scheduler.PollerJobs(rt.engine, cfg.Poll.DetectCron, cfg.Poll.AdvanceCron, cfg.Poll.BatchLimit)...,
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := sched.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		return sched.Stop()
	})

	if cfg.ListenAddr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           newHTTPHandler(rt, sched, hub, mcpSrv),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		g.Go(func() error {
			logger.Info("http listening", slog.String("addr", cfg.ListenAddr), slog.Bool("mcp", mcpSrv != nil && cfg.MCP.Enabled))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if serveOpts.stdio {
		g.Go(func() error {
			// stdin closing ends the process.
			defer stop()
			return mcpSrv.Serve(gctx)
		})
	}

	watchConfig(logger)

	logger.Info("cadence started",
		slog.String("version", version),
		slog.String("db", cfg.DB.Driver),
		slog.Int("definitions", len(rt.catalog.Definitions())),
		slog.String("detect", cfg.Poll.DetectCron),
		slog.String("advance", cfg.Poll.AdvanceCron),
	)
	err = g.Wait()
	logger.Info("cadence stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newHTTPHandler mounts the API and, when enabled, the MCP SSE transport.
func newHTTPHandler(rt *runtime, sched *scheduler.Scheduler, hub streaming.EventHub, mcpSrv *cadencemcp.CadenceServer) http.Handler {
	srv := api.NewServer(api.Deps{
		Engine:      rt.engine,
		Definitions: rt.catalog,
		Schedule:    sched,
		Hub:         hub,
		Logger:      logger.With(slog.String("component", "api")),
	})
	e := srv.NewEcho("cadence")
	if mcpSrv != nil && cfg.MCP.Enabled {
		path := strings.TrimSuffix(cfg.MCP.Path, "/")
		e.Any(path+"/*", echo.WrapHandler(mcpSrv.HTTPHandler(path)))
	}
	return e
}

// watchConfig reloads the settings file on change. The log level applies
// immediately; everything else is reported as needing a restart.
func watchConfig(logger *slog.Logger) {
	if vcfg == nil || vcfg.ConfigFileUsed() == "" {
		return
	}
	current := cfg
	vcfg.OnConfigChange(func(e fsnotify.Event) {
		next, err := decodeConfig(vcfg)
		if err != nil {
			logger.Warn("config reload rejected", slog.String("file", e.Name), slog.String("error", err.Error()))
			return
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			logLevel.Set(logging.ParseLevel(next.Log.Level))
			logger.Info("log level changed", slog.String("level", next.Log.Level))
		}
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("config changed, restart to apply", slog.Any("keys", diff.RestartNeeded))
		}
		current = next
	})
	vcfg.WatchConfig()
}
