package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/nodesync/internal/config"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/node"
)

func newCleanupCmd(flags *globalFlags) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed events older than the retention period",
		Long: `Run one retention pass on a stopped node. Processed events and
discarded conflict losers older than the retention are deleted, after
being archived when an archive is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("retention") {
				cfg.Sync.Retention = retention
			}
			return withNode(cmd.Context(), cfg, func(n *node.Node) error {
				result, err := n.Housekeeper().Cleanup(cmd.Context(), cfg.Sync.Retention)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s events older than %s, archived %d in %d batches\n",
					humanize.Comma(result.Deleted), cfg.Sync.Retention, result.Archived, result.Batches)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Override the configured retention")
	return cmd
}

func newResetCmd(flags *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear unprocessed events, conflict history and metrics",
		Long: `Disaster recovery: clear every unprocessed event, all conflict
resolutions, this node's metrics and the per-source progress on a stopped
node, ahead of a full resync. Business tables are not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return apperrors.New(apperrors.ErrInvalid, "reset discards unsynced changes; pass --yes to confirm")
			}
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return withNode(cmd.Context(), cfg, func(n *node.Node) error {
				result, err := n.Housekeeper().Reset(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d events, %d conflict resolutions, %d metric rows\n",
					result.Events, result.Resolutions, result.Metrics)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}

// withNode opens the node without serving it and closes it after fn.
func withNode(ctx context.Context, cfg *config.Config, fn func(n *node.Node) error) error {
	n, err := node.New(ctx, cfg, node.Options{})
	if err != nil {
		return err
	}
	fnErr := fn(n)
	if err := n.Close(context.Background()); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
