// Package cli wires configuration into the docpipe processes and exposes
// them as subcommands: api, worker, scheduler and reaper.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/config"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/queue"
	"github.com/graphworks/docpipe/version"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "docpipe",
	Short: "multi-tenant document ingestion pipeline",
	Long: `docpipe turns raw documents into knowledge-graph episodes.

Documents enter either as uploaded objects or as references into an origin
platform, pass through extraction, contextual chunking and knowledge-graph
ingest, and come out queryable per tenant. Each process runs as its own
subcommand:

  api        HTTP surface for submitting, inspecting and deleting work
  worker     queue consumers for all pipeline phases
  scheduler  promotes delayed retry tasks into their queues
  reaper     fails phases that outlived their expected completion time`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/docpipe)")

	RootCmd.AddCommand(apiCmd)
	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(schedulerCmd)
	RootCmd.AddCommand(reaperCmd)
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := json.MarshalIndent(version.Current(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// runtime is the shared slice of infrastructure every subcommand starts
// from. Commands add their own components on top.
type runtime struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  *db.PostgresStore
	broker *queue.Broker
}

func setup(ctx context.Context, service string) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: service,
	})

	store, err := db.NewPostgresStore(db.StoreConfig{
		URL:             cfg.Postgres.URL,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	broker, err := queue.NewBroker(ctx, queue.Config{RedisURL: cfg.Redis.URL})
	if err != nil {
		return nil, err
	}

	return &runtime{cfg: cfg, log: logger, store: store, broker: broker}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
