// Package main is the ScalyClaw command line: a node process that runs the
// assistant, a worker process that executes tools, and a version command.
//
// Start the node:
//
//	scalyclaw node --redis localhost:6379 --config scalyclaw.yaml
//
// Start a worker pointing at the same redis:
//
//	scalyclaw worker --redis localhost:6379 --node-url http://node:8067
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scalyclaw",
		Short:        "ScalyClaw - self-hosted personal assistant runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildNodeCmd(), buildWorkerCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scalyclaw %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// redisFlags are shared by both process roles.
type redisFlags struct {
	addr     string
	password string
	db       int
}

func addRedisFlags(cmd *cobra.Command, f *redisFlags) {
	cmd.Flags().StringVar(&f.addr, "redis", envOr("SCALYCLAW_REDIS", "localhost:6379"), "redis address")
	cmd.Flags().StringVar(&f.password, "redis-password", os.Getenv("SCALYCLAW_REDIS_PASSWORD"), "redis password")
	cmd.Flags().IntVar(&f.db, "redis-db", 0, "redis database number")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
