package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/output"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List the market data endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		rendered, err := output.NewFormatter(format).FormatCatalog(gridstatus.Catalog())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return err
	},
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
	endpointsCmd.Flags().String("format", "table", "Output format: table, json, yaml, markdown")
}
