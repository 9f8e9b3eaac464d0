// Mediasniff identifies the media type of files and streams from their content.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	global := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mediasniff",
		Short: "Content-based media type detection",
		Long: `Mediasniff identifies the media type of data from its leading bytes.

It supports:
  - Signature matching against a declarative rule set
  - Filename hints when no signature matches
  - A JSON detection service, a sniffing HTTP proxy and reverse proxy
  - A detection journal stored in files, memory, SQLite or PostgreSQL`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&global.configPath, "config", "c", "", "Config file (default: ~/.mediasniff/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&global.verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		newDetectCmd(global),
		newServeCmd(global),
		newProxyCmd(global),
		newReverseCmd(global),
		newRulesCmd(global),
		newConfigCmd(),
	)

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
