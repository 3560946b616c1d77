// Package main provides syncd, the nodesync node daemon and its operator
// commands.
//
// Configuration is read from an optional YAML file, then NODESYNC_*
// environment variables, then command-line flags. Operator commands that
// inspect a running node (status, compat) talk to its HTTP transport with
// the cluster secret; maintenance commands (cleanup, reset) open the node's
// database directly and must not run while the node is serving.
//
// Examples:
//
//	syncd serve --config /etc/nodesync.yaml
//	syncd serve --node-id pos-1 --data-dir ./data --seed 10.0.0.12:8470
//	syncd status --addr 10.0.0.12:8470
//	syncd reset --yes
package main

import (
	"fmt"
	"os"
)

var (
	// Version information (set by build flags)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
