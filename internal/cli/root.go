// Package cli provides the conductorctl command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"basegraph.app/conductor/common/id"
	"basegraph.app/conductor/core/config"
	"basegraph.app/conductor/core/db"
	"basegraph.app/conductor/internal/queue"
	"basegraph.app/conductor/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg         config.Config
	database    *db.DB
	stores      store.Provider
	redisClient *redis.Client
)

var rootCmd = &cobra.Command{
	Use:   "conductorctl",
	Short: "Operate the conductor job queue",
	Long: `conductorctl submits repository audit jobs, inspects their progress and
manages the encrypted code-host credentials the orchestrator uses.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Offline commands never touch the database.
		if cmd.Annotations["offline"] == "true" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(config.ServiceTypeCLI)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := id.Init(cfg.Orchestrator.NodeID); err != nil {
			return fmt.Errorf("init id generator: %w", err)
		}

		database, err = db.New(cmd.Context(), cfg.DB)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		stores = store.NewStores(database.Querier())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close redis: %v\n", err)
			}
		}
		if database != nil {
			database.Close()
		}
	},
}

// producer returns a notification producer, or nil when redis is not configured.
func producer(ctx context.Context) (queue.Producer, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	if redisClient == nil {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		redisClient = client
	}
	return queue.NewRedisProducer(redisClient, cfg.Redis.NotifyStream, nil), nil
}

// Execute adds all child commands to the root command and runs it.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(credentialCmd)
}
