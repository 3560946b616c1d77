package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/node"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync node",
		Long: `Open the node database, apply migrations, publish the schema identity,
then serve the sync transport and run the push, heartbeat, discovery and
cleanup loops until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logging.Info("Starting syncd", map[string]interface{}{
				"version": version,
				"node_id": cfg.Node.ID,
				"config":  cfg.String(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, node.Options{})
			if err != nil {
				return err
			}
			if err := n.Start(ctx); err != nil {
				n.Close(context.Background())
				return err
			}

			<-ctx.Done()
			logging.Info("Shutting down", map[string]interface{}{"node_id": cfg.Node.ID})

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return n.Close(shutdownCtx)
		},
	}
}
