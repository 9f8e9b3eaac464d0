package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grokify/mediasniff/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Manage mediasniff configuration files.`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
	)

	return cmd
}

type configInitOptions struct {
	output string
	force  bool
}

func newConfigInitCmd() *cobra.Command {
	opts := &configInitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Create a new configuration file with default settings.

The configuration file uses YAML format. Every value can also be overridden
with a MEDIASNIFF_* environment variable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path (default: ~/.mediasniff/config.yaml)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "Overwrite existing file")

	return cmd
}

func runConfigInit(cmd *cobra.Command, opts *configInitOptions) error {
	path := opts.output
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if !opts.force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Journal.Driver = config.JournalFile
	cfg.Journal.Path = "detections.ndjson"

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created: %s\n", path)
	fmt.Fprintf(out, "\nTo use this configuration:\n")
	fmt.Fprintf(out, "  mediasniff serve --config %s\n", path)

	return nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show example configuration",
		Long:  `Display an example configuration file with all available options.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "# Mediasniff Configuration Example")
			fmt.Fprintln(out, "#")
			fmt.Fprintln(out, "# Save this to ~/.mediasniff/config.yaml or specify with --config flag")
			fmt.Fprintln(out)
			fmt.Fprintln(out, config.ExampleConfig())
			return nil
		},
	}
}
