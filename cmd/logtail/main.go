package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/SteelMorgan/logtail/internal/config"
)

const version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand returns the logtail CLI
func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "logtail",
		Short:        "Ship appended log lines to a collector",
		Long:         `logtail follows log files matched by glob patterns and ships appended data to a line collector, surviving restarts and log rotation.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	cmd.AddCommand(
		newRunCommand(&configPath),
		newPositionsCommand(&configPath),
		newCheckCommand(&configPath),
	)

	return cmd
}

// resolveConfigPath prefers a positional argument over the --config flag
func resolveConfigPath(flag *string, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return *flag
}
