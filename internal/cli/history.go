package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cfspeed/internal/render"
	"cfspeed/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newHistoryCmd(o *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent test sessions recorded by this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if a.Store() == nil {
				return fmt.Errorf("%w: set storage.driver to file or sqlite", storage.ErrDisabled)
			}
			recs, err := a.Store().RecentSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			return writeHistory(cmd.OutOrStdout(), recs, time.Now())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}

func writeHistory(w io.Writer, recs []storage.SessionRecord, now time.Time) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no sessions recorded")
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Session", "Ended", "State", "Qualified", "Probed", "Duration")
	for _, r := range recs {
		state := r.State
		if r.Reason != "" && r.Reason != r.State {
			state += " (" + r.Reason + ")"
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		_ = table.Append(
			id,
			humanize.RelTime(r.EndedAt, now, "ago", "from now"),
			state,
			fmt.Sprintf("%d/%d", r.Qualified, r.Expected),
			humanize.Comma(int64(r.Total)),
			r.Duration().Round(time.Second).String(),
		)
	}
	return table.Render()
}
