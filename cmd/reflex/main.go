// Command reflex runs the reactive rule engine server: the engine core
// plus the HTTP API, metrics endpoint, SSE/websocket streams, and
// webhook delivery.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reflexhq/reflex/internal/api"
	"github.com/reflexhq/reflex/internal/audit"
	"github.com/reflexhq/reflex/internal/config"
	"github.com/reflexhq/reflex/internal/engine"
	"github.com/reflexhq/reflex/internal/logging"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/rules"
	"github.com/reflexhq/reflex/internal/storage"
	"github.com/reflexhq/reflex/internal/stream"
	"github.com/reflexhq/reflex/internal/webhook"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "reflex",
		Short:        "Reactive rule engine server",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "reflex",
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Str("serverId", cfg.ServerID).Msg("Starting reflex")

	adapter, err := storage.NewSQLiteAdapter(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer adapter.Close()

	eng := engine.New(engine.Config{
		Source:          "engine",
		MaxCascadeDepth: cfg.MaxCascadeDepth,
		Adapter:         adapter,
		ServerID:        cfg.ServerID,
		Audit: audit.Config{
			MaxMemoryEntries: cfg.AuditMaxEntries,
			BatchSize:        cfg.AuditBatchSize,
			FlushInterval:    cfg.AuditFlushInterval,
		},
	})
	if cfg.TracingEnabled {
		eng.Trace().EnableTracing()
	}
	eng.Start()

	if restored, err := eng.RestoreRules(); err != nil {
		log.Warn().Err(err).Msg("Rule snapshot restore failed")
	} else if restored > 0 {
		log.Info().Int("rules", restored).Msg("Restored rules from snapshot")
	}

	var loader *rules.Loader
	if cfg.RulesFile != "" {
		loader = rules.NewLoader(cfg.RulesFile, func(inputs []model.RuleInput) {
			applied, err := eng.ImportRules(inputs)
			if err != nil {
				log.Warn().Err(err).Int("applied", applied).Msg("Rules file import had failures")
				return
			}
			log.Info().Int("applied", applied).Str("path", cfg.RulesFile).Msg("Rules file applied")
		})
		if err := loader.Start(); err != nil {
			eng.Stop()
			return fmt.Errorf("load rules file: %w", err)
		}
		defer loader.Stop()
	}

	fanout := webhook.NewFanout(webhook.Config{
		MaxRetries:     cfg.WebhookMaxRetries,
		RetryBaseDelay: cfg.WebhookRetryBaseDelay,
		Timeout:        cfg.WebhookTimeout,
	})
	eng.AddSink(fanout)

	auditSSE := stream.NewSSEFanout(cfg.HeartbeatInterval)
	auditSSE.Start()
	traceSSE := stream.NewSSEFanout(cfg.HeartbeatInterval)
	traceSSE.Start()

	hub := stream.NewHub(func() interface{} { return eng.Stats() })
	go hub.Run()

	auditSub := eng.Audit().Subscribe(func(entry audit.Entry) {
		env := stream.FromAudit(entry)
		auditSSE.Broadcast(env)
		hub.Broadcast(env)
	})
	traceSub := eng.Trace().Subscribe(func(entry audit.TraceEntry) {
		traceSSE.Broadcast(stream.FromTrace(entry))
	})

	router := api.NewRouter(api.Options{
		Engine:      eng,
		Webhooks:    fanout,
		AuditStream: auditSSE,
		TraceStream: traceSSE,
		Hub:         hub,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	retentionDone := make(chan struct{})
	if cfg.AuditRetention > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					entries, buckets, err := eng.Audit().Cleanup(cfg.AuditRetention)
					if err != nil {
						log.Warn().Err(err).Msg("Audit retention cleanup failed")
					} else if entries > 0 || buckets > 0 {
						log.Info().Int("entries", entries).Int("buckets", buckets).
							Msg("Audit retention cleanup")
					}
				case <-retentionDone:
					return
				}
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Server failed")
	}

	close(retentionDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics shutdown incomplete")
		}
	}

	eng.Audit().Unsubscribe(auditSub)
	eng.Trace().Unsubscribe(traceSub)
	hub.Stop()
	auditSSE.Stop()
	traceSSE.Stop()

	if err := eng.SaveRules(); err != nil {
		log.Warn().Err(err).Msg("Rule snapshot save failed")
	}
	if err := eng.Stop(); err != nil {
		log.Warn().Err(err).Msg("Engine stop reported error")
	}
	fanout.Close()

	log.Info().Msg("Shutdown complete")
	return runErr
}
