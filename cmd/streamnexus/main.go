package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "streamnexus",
		Short: "Scheduled and rotating live stream orchestrator",
		Long: `streamnexus runs one encoder per live stream, starts and stops scheduled
streams on time and cycles rotations through their items inside a daily or
weekly window.

Examples:
  streamnexus serve --config=streamnexus.toml
  streamnexus seed fixtures.yaml --config=streamnexus.toml
  streamnexus start my-stream
  streamnexus logs my-stream --follow
  streamnexus rotation activate morning-loop`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&global.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&global.APIUrl, "api-url", "http://localhost:8080/api", "daemon API URL")
	pf.DurationVar(&global.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&global.Token, "token", os.Getenv("STREAMNEXUS_TOKEN"), "bearer token (default $STREAMNEXUS_TOKEN)")

	root.AddCommand(
		createServeCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createStatusCommand(global),
		createLogsCommand(global),
		createRotationCommand(global),
		createSyncCommand(global),
		createActiveCommand(global),
		createSeedCommand(global),
		createEncryptKeyCommand(global),
		createTokenCommand(global),
	)
	return root
}
