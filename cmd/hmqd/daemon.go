package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/twino-framework/twino-mq/internal/audit"
	"github.com/twino-framework/twino-mq/internal/broker"
	"github.com/twino-framework/twino-mq/internal/cluster"
	"github.com/twino-framework/twino-mq/internal/config"
	"github.com/twino-framework/twino-mq/internal/handler"
	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/metrics"
	"github.com/twino-framework/twino-mq/internal/observability"
)

func daemonCmd() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the HMQ broker daemon",
		Long:  "Accept HMQP/2.1 connections, run the queue engines and router, and optionally report cluster presence and audit deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("listen") {
				cfg.Listen.Addr = listenAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			var handlerFactory broker.HandlerFactory
			if cfg.Audit.Enabled {
				sink, err := audit.NewSink(context.Background(), cfg.Audit.DSN, audit.DefaultOptions())
				if err != nil {
					return fmt.Errorf("init audit sink: %w", err)
				}
				defer sink.Close()
				auditHandler := audit.NewHandler(sink)
				handlerFactory = func(string) handler.Handler {
					return handler.NewChain(auditHandler, handler.NoopHandler{})
				}
				logging.Op().Info("audit sink enabled")
			}

			var clusterReg *cluster.Registry
			if cfg.Cluster.Enabled {
				clusterReg = cluster.NewRegistry(&cluster.Config{
					NodeID:       cfg.Cluster.NodeID,
					Address:      cfg.Listen.Addr,
					RedisAddr:    cfg.Cluster.RedisAddr,
					RedisDB:      cfg.Cluster.RedisDB,
					PresenceTTL:  cfg.Cluster.PresenceTTL,
					PingInterval: cfg.Cluster.PingInterval,
				})
				logging.Op().Info("cluster presence enabled", "node_id", cfg.Cluster.NodeID, "redis_addr", cfg.Cluster.RedisAddr)
			}

			persistenceDir := ""
			if cfg.Persistence.Enabled {
				persistenceDir = cfg.Persistence.Dir
				if err := os.MkdirAll(persistenceDir, 0o755); err != nil {
					return fmt.Errorf("create persistence dir %q: %w", persistenceDir, err)
				}
			}

			b := broker.New(broker.Options{
				AutoQueueCreation: cfg.Broker.AutoQueueCreation,
				DefaultAckTimeout: cfg.Broker.DefaultAckTimeout,
				PersistenceDir:    persistenceDir,
				Cluster:           clusterReg,
				BindingsFile:      cfg.Router.Path,
			}, handlerFactory)
			defer b.Close()

			srv := newServer(b, cfg.Broker.HeartbeatTimeout)
			b.Router("default", srv)

			ln, err := listen(cfg.Listen.Addr, cfg.Listen.TLSEnabled, cfg.Listen.TLSCertFile, cfg.Listen.TLSKeyFile)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Listen.Addr, err)
			}
			logging.Op().Info("hmqd listening", "addr", cfg.Listen.Addr, "tls", cfg.Listen.TLSEnabled)

			go srv.acceptLoop(ln)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			ln.Close()
			srv.closeAll()
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":2345", "HMQP/2.1 listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

func listen(addr string, tlsEnabled bool, certFile, keyFile string) (net.Listener, error) {
	if !tlsEnabled {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
}
