package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/SteelMorgan/logtail/internal/config"
	"github.com/SteelMorgan/logtail/internal/offset"
	"github.com/SteelMorgan/logtail/internal/service"
)

func newPositionsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "positions [config]",
		Short: "Print the saved file positions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath, args))
			if err != nil {
				return err
			}
			store, err := service.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			lister, ok := store.(offset.Lister)
			if !ok {
				return fmt.Errorf("position backend %s cannot list records", cfg.PositionBackend)
			}
			records, err := lister.Records(cmd.Context())
			if err != nil {
				return err
			}
			return printPositions(cmd.OutOrStdout(), records)
		},
	}
}

func printPositions(w io.Writer, records []offset.Record) error {
	offset.SortRecords(records)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tOFFSET\tSIZE\tPENDING")
	for _, r := range records {
		var pending int64
		if r.Size > r.Offset {
			pending = r.Size - r.Offset
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Path, r.Offset, humanize.IBytes(uint64(r.Size)), humanize.IBytes(uint64(pending)))
	}
	return tw.Flush()
}
