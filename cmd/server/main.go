package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/monitor"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/validator"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Execution metrics on a private registry
			metrics.NewCollector,

			// Static validator
			validator.New,

			// Language engines; host probing only matters for the process
			// backend, containers ship their own interpreters.
			func(log *zap.Logger, cfg *config.Config) *engine.Registry {
				if cfg.Sandbox.Backend != "process" {
					return engine.NewRegistry(log, cfg, engine.WithoutHostProbing())
				}
				return engine.NewRegistry(log, cfg)
			},

			// Resource monitor at the configured sampling interval
			func(log *zap.Logger, cfg *config.Config) *monitor.Monitor {
				return monitor.New(log, cfg.MonitorInterval())
			},

			// Sandbox provider based on config
			sandbox.NewProvider,

			// Session registry, emergency controller, execution engine
			sandbox.NewSessionRegistry,
			sandbox.NewEmergencyController,
			sandbox.NewExecutionEngine,

			// Interface bindings for the MCP layer. Validation goes through
			// the execution engine so both tools share the same defaults.
			func(e *sandbox.ExecutionEngine) mcpserver.Executor { return e },
			func(e *sandbox.ExecutionEngine) mcpserver.Validator { return e },
			func(m *monitor.Monitor) mcpserver.AlertSource { return m },

			// MCP Server
			mcpserver.New,
		),

		// Critical resource alerts trigger emergency termination.
		fx.Invoke(func(mon *monitor.Monitor, ctrl *sandbox.EmergencyController) {
			mon.SetTerminator(ctrl)
		}),

		// Probe language engines on startup, shut them down on exit.
		fx.Invoke(func(lc fx.Lifecycle, reg *engine.Registry) {
			lc.Append(fx.Hook{
				OnStart: reg.Init,
				OnStop: func(context.Context) error {
					reg.Shutdown()
					return nil
				},
			})
		}),

		// Expose the Prometheus registry when metrics are enabled.
		fx.Invoke(func(cfg *config.Config, log *zap.Logger, collector *metrics.Collector) {
			if !cfg.Metrics.Enabled {
				return
			}
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))
				addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
				log.Info("metrics endpoint listening", zap.String("addr", addr))
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.Error("metrics endpoint failed", zap.Error(err))
				}
			}()
		}),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
