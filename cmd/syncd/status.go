package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/nodesync/internal/config"
	"github.com/kimhsiao/nodesync/internal/crypto"
	syncpkg "github.com/kimhsiao/nodesync/internal/sync"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
)

// remoteFlags select the node an operator command talks to.
type remoteFlags struct {
	addr     string
	jsonOut  bool
	deadline time.Duration
}

func (r *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.addr, "addr", "", "Node address host:port (default: this node's advertised address)")
	cmd.Flags().BoolVar(&r.jsonOut, "json", false, "Output as JSON")
	cmd.Flags().DurationVar(&r.deadline, "timeout", 10*time.Second, "Request timeout")
}

func (r *remoteFlags) target(cfg *config.Config) string {
	if r.addr != "" {
		return r.addr
	}
	return net.JoinHostPort(cfg.AdvertiseHost(), strconv.Itoa(cfg.Server.Port))
}

func newOperatorClient(cfg *config.Config, timeout time.Duration) *transport.Client {
	return transport.NewClient(transport.ClientOptions{
		NodeID:   cfg.Node.ID,
		AuthHash: crypto.RegistrationHash(cfg.Sync.Secret, cfg.Sync.Cluster),
		Timeout:  timeout,
	})
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	remote := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		Long: `Display clocks, pending work, per-peer sync state and today's metrics
of a running node.

Examples:
  # Show status of the local node
  syncd status

  # Show status of another node as JSON
  syncd status --addr 10.0.0.12:8470 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			var report syncpkg.StatusReport
			client := newOperatorClient(cfg, remote.deadline)
			if err := client.Get(cmd.Context(), remote.target(cfg), "/api/sync/status", &report); err != nil {
				return err
			}
			if remote.jsonOut {
				return writeIndented(cmd.OutOrStdout(), report)
			}
			printStatus(cmd.OutOrStdout(), &report)
			return nil
		},
	}
	remote.register(cmd)
	return cmd
}

func newCompatCmd(flags *globalFlags) *cobra.Command {
	remote := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "compat",
		Short: "Show the schema compatibility of every known peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			var report schema.Report
			client := newOperatorClient(cfg, remote.deadline)
			if err := client.Get(cmd.Context(), remote.target(cfg), "/api/sync/compatibility", &report); err != nil {
				return err
			}
			if remote.jsonOut {
				return writeIndented(cmd.OutOrStdout(), report)
			}
			printCompat(cmd.OutOrStdout(), &report)
			return nil
		},
	}
	remote.register(cmd)
	return cmd
}

func writeIndented(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// printStatus prints a status report in a human-readable format.
func printStatus(out io.Writer, r *syncpkg.StatusReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Node ID:\t%s\n", r.NodeID)
	_, _ = fmt.Fprintf(w, "Schema:\t%s (%s)\n", r.Schema.Version, shortHash(r.Schema.Hash))
	_, _ = fmt.Fprintf(w, "Lamport Clock:\t%d\n", r.LamportClock)
	_, _ = fmt.Fprintf(w, "Vector Clock:\t%v\n", r.VectorClock)

	_, _ = fmt.Fprintf(w, "\nEvents:\n")
	_, _ = fmt.Fprintf(w, "  Pending Local:\t%d\n", r.Events.PendingLocal)
	_, _ = fmt.Fprintf(w, "  Pending Remote:\t%d\n", r.Events.PendingRemote)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", r.Events.Failed)
	_, _ = fmt.Fprintf(w, "  Dead Lettered:\t%d\n", r.Events.DeadLettered)
	_, _ = fmt.Fprintf(w, "  Processed:\t%d\n", r.Events.Processed)
	_, _ = fmt.Fprintf(w, "  Conflicts Resolved:\t%d\n", r.Conflicts)

	_, _ = fmt.Fprintf(w, "\nPeers:\t%d active\n", len(r.ActivePeers))
	for _, p := range r.Peers {
		line := fmt.Sprintf("  %s\t%s", p.NodeID, p.Status)
		if p.LastSync != nil {
			line += "\tlast sync " + humanize.Time(*p.LastSync)
		}
		if p.LastError != "" {
			line += "\t" + p.LastError
		}
		_, _ = fmt.Fprintln(w, line)
	}

	for _, g := range r.Progress {
		if g.Gap() {
			_, _ = fmt.Fprintf(w, "  gap from %s:\tcontiguous to %d, seen %d\n", g.SourceNodeID, g.HighWater, g.MaxSeen)
		}
	}

	if m := r.Today; m != nil {
		_, _ = fmt.Fprintf(w, "\nToday (%s):\n", m.Day)
		_, _ = fmt.Fprintf(w, "  Generated / Received:\t%s / %s\n", humanize.Comma(m.EventsGenerated), humanize.Comma(m.EventsReceived))
		_, _ = fmt.Fprintf(w, "  Processed / Failed:\t%s / %s\n", humanize.Comma(m.EventsProcessed), humanize.Comma(m.EventsFailed))
		_, _ = fmt.Fprintf(w, "  Conflicts:\t%s\n", humanize.Comma(m.ConflictsDetected))
		_, _ = fmt.Fprintf(w, "  Transferred:\t%s\n", humanize.Bytes(uint64(m.BytesTransferred)))
		_, _ = fmt.Fprintf(w, "  Avg Latency:\t%.1f ms\n", m.AverageLatencyMs())
		if m.BulkUntracked > 0 || m.CausalGaps > 0 {
			_, _ = fmt.Fprintf(w, "  Untracked Bulk / Gaps:\t%d / %d\n", m.BulkUntracked, m.CausalGaps)
		}
	}
}

// printCompat prints a compatibility report as a table.
func printCompat(out io.Writer, r *schema.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Local schema:\t%s (%s)\n", r.Local.Version, shortHash(r.Local.Hash))
	_, _ = fmt.Fprintf(w, "Peers:\t%d total, %d identical, %d compatible, %d incompatible, %d unknown\n\n",
		r.Total, r.Identical, r.Compatible, r.Incompatible, r.Unknown)
	_, _ = fmt.Fprintln(w, "NODE\tADDRESS\tVERSION\tSTATUS\tREASON")
	for _, p := range r.Peers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.NodeID, p.Address, p.Identity.Version, p.Status, p.Reason)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
