package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/agent"
	"github.com/marcoeg/etrap/pkg/anchor"
	"github.com/marcoeg/etrap/pkg/bundle"
	"github.com/marcoeg/etrap/pkg/canonical"
	"github.com/marcoeg/etrap/pkg/near"
	"github.com/marcoeg/etrap/pkg/storage"
	"github.com/marcoeg/etrap/pkg/stream"
)

// NewAgentCmd creates the capture agent command.
func NewAgentCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the capture agent",
		Long:  `Consumes change events from Redis Streams, batches them, anchors each batch on NEAR and stores the bundle in S3.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
	return cmd
}

func runAgent(parent context.Context, metricsAddr string) error {
	cfg := app.Config
	log := app.Log
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := stream.NewConsumer(stream.Config{
		Addr:          cfg.RedisAddr(),
		Password:      cfg.Redis.Password,
		Group:         cfg.Redis.Group,
		ConsumerName:  cfg.Redis.ConsumerName,
		StreamPattern: cfg.Redis.StreamPattern,
	}, log)
	defer consumer.Close()

	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		return err
	}

	key, err := near.LoadCredentials(cfg.NEAR.Network, cfg.NEAR.Account)
	if err != nil {
		return err
	}
	anchorer := anchor.NewNEARAnchorer(
		near.NewClient(cfg.NEAR.Network), key, cfg.NEAR.Contract, cfg.S3.Bucket, log)

	canon := canonical.New(app.Location)
	packager := bundle.NewPackager(canon, cfg.OrganizationID, app.Location)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.MaxBatchSize = cfg.Batch.MaxSize
	agentCfg.MinBatchSize = cfg.Batch.MinSize
	agentCfg.ReadTimeout = cfg.Batch.ReadTimeout
	agentCfg.ForceFlush = cfg.Batch.ForceFlush

	a := agent.New(consumer, storage.NewWriter(store, log), anchorer, packager, agentCfg, log)
	return a.Run(ctx)
}
