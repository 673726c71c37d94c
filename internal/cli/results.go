package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"cfspeed/internal/backend"
	"cfspeed/internal/render"

	"github.com/spf13/cobra"
)

func newResultsCmd(o *rootOptions) *cobra.Command {
	var (
		sortBy    string
		order     string
		qualified bool
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List the backend's test results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			order = strings.ToLower(strings.TrimSpace(order))
			if order != "asc" && order != "desc" {
				return fmt.Errorf("--order must be asc or desc, got %q", order)
			}
			if qualified && cmd.Flags().Changed("sort") {
				return fmt.Errorf("--qualified cannot be combined with --sort")
			}

			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			ctx := cmd.Context()
			var rs []backend.ResultRecord
			switch {
			case qualified:
				rs, err = a.Client().QualifiedResults(ctx)
			case sortBy != "":
				rs, err = a.Client().SortedResults(ctx, sortBy, order == "asc")
			default:
				rs, err = a.Client().Results(ctx)
			}
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rs)
			}
			return render.WriteResults(cmd.OutOrStdout(), rs)
		},
	}
	cmd.Flags().StringVarP(&sortBy, "sort", "s", "", "Sort by field (speed, latency, ip, status)")
	cmd.Flags().StringVar(&order, "order", "desc", "Sort order: asc or desc")
	cmd.Flags().BoolVarP(&qualified, "qualified", "q", false, "Only results that met the speed threshold")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}

func newDatacentersCmd(o *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:     "datacenters",
		Aliases: []string{"dc"},
		Short:   "List selectable datacenters and the active filter",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			list, err := a.Client().Datacenters(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return render.WriteDatacenters(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}
