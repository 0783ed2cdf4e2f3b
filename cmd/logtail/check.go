package main

import (
	"fmt"
	"io"
	"path"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/SteelMorgan/logtail/internal/config"
	"github.com/SteelMorgan/logtail/internal/discovery"
	"github.com/SteelMorgan/logtail/internal/transport"
)

func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check [config]",
		Short: "Validate the config and list matching files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath, args))
			if err != nil {
				return err
			}
			return printMatches(cmd.OutOrStdout(), cfg)
		},
	}
}

// printMatches lists every file the patterns match right now with the
// destination it would be shipped to
func printMatches(w io.Writer, cfg *config.Config) error {
	matches := discovery.New(cfg.Files, cfg).Discover(func(string) bool { return false })
	hostname := transport.ShortHostname()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tFILE\tDESTINATION")
	for _, m := range matches {
		dest := transport.DestinationFor(m.Path, m.Group, hostname, m.Settings)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Group, m.Path, path.Join(dest.Group, dest.Dir, dest.Name))
	}
	return tw.Flush()
}
