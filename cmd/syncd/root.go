package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/nodesync/internal/config"
	"github.com/kimhsiao/nodesync/internal/logging"
)

// globalFlags are shared by every subcommand and override the config file.
type globalFlags struct {
	configPath string
	nodeID     string
	dataDir    string
	listen     string
	port       int
	priority   int
	secretFile string
	seeds      []string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "syncd",
		Short: "Multi-node database synchronization daemon",
		Long: `syncd keeps the business tables of several SQLite nodes eventually
consistent. Each node records local changes, pushes them to every
compatible peer and resolves concurrent edits deterministically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to YAML config file")
	pf.StringVar(&flags.nodeID, "node-id", "", "Node identifier (default: hostname)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Directory holding the node database")
	pf.StringVar(&flags.listen, "listen", "", "Listen host for the sync transport")
	pf.IntVar(&flags.port, "port", 0, "Port for the sync transport")
	pf.IntVar(&flags.priority, "priority", 0, "Conflict priority of this node")
	pf.StringVar(&flags.secretFile, "secret-file", "", "Path to file containing the cluster secret")
	pf.StringSliceVar(&flags.seeds, "seed", nil, "Peer address to heartbeat (can be repeated)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (json, text)")

	root.AddCommand(
		newServeCmd(flags),
		newStatusCmd(flags),
		newCompatCmd(flags),
		newCleanupCmd(flags),
		newResetCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers defaults, file, environment and changed flags, then
// validates the result and initializes logging.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.InitWithFormat(os.Stderr, logging.ParseLevel(cfg.Log.Level), logging.Format(cfg.Log.Format))
	return cfg, nil
}

// applyFlags copies only the flags the user set.
func applyFlags(cmd *cobra.Command, flags *globalFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("node-id") {
		cfg.Node.ID = flags.nodeID
	}
	if changed("data-dir") {
		cfg.Node.DataDir = flags.dataDir
	}
	if changed("listen") {
		cfg.Server.Listen = flags.listen
	}
	if changed("port") {
		cfg.Server.Port = flags.port
	}
	if changed("priority") {
		cfg.Node.Priority = flags.priority
	}
	if changed("secret-file") {
		cfg.Sync.Secret = ""
		cfg.Sync.SecretFile = flags.secretFile
	}
	if changed("seed") {
		cfg.Sync.Seeds = flags.seeds
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
}
