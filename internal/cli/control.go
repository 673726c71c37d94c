package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cfspeed/internal/backend"
	"cfspeed/internal/controller"
	"cfspeed/internal/render"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStopCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the backend to stop the current test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.Client().Stop(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return err
		},
	}
}

type statusReport struct {
	Backend string                `json:"backend"`
	Status  backend.BackendStatus `json:"status"`
	Stats   backend.StatsSnapshot `json:"stats"`
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the backend is testing and its current counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			ctx := cmd.Context()
			rep := statusReport{Backend: a.Client().BaseURL()}
			if rep.Status, err = a.Client().Status(ctx); err != nil {
				return err
			}
			if rep.Stats, err = a.Client().Stats(ctx); err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return writeStatus(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}

func writeStatus(w io.Writer, rep statusReport) error {
	state := "idle"
	if rep.Status.Testing {
		state = "testing"
	}
	lines := []string{
		fmt.Sprintf("backend:   %s", rep.Backend),
		fmt.Sprintf("state:     %s", state),
		fmt.Sprintf("qualified: %d", rep.Stats.QualifiedCount),
		fmt.Sprintf("probed:    %d", rep.Stats.TotalProbed),
	}
	if rep.Stats.CurrentAddress != "" {
		lines = append(lines, fmt.Sprintf("current:   %s", rep.Stats.CurrentAddress))
	}
	if !rep.Status.Timestamp.IsZero() {
		lines = append(lines, fmt.Sprintf("as of:     %s", humanize.Time(rep.Status.Timestamp)))
	}
	if n := len(rep.Status.MissingFiles); n > 0 {
		lines = append(lines, fmt.Sprintf("missing:   %s", strings.Join(rep.Status.MissingFiles, ", ")))
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func newClearCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all results on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.Controller().ClearResults(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "results cleared")
			return err
		},
	}
}

func newUpdateDataCmd(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "update-data",
		Short: "Refresh the backend's address data files",
		Long: `Refresh the backend's address data files. When every file is already
present the update asks for confirmation unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			ctx := cmd.Context()
			res, err := a.Controller().UpdateData(ctx, force)
			if errors.Is(err, controller.ErrDataPresent) {
				ok, perr := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "All data files are present. Download them again?")
				if perr != nil {
					return perr
				}
				if !ok {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "update skipped")
					return err
				}
				res, err = a.Controller().UpdateData(ctx, true)
			}
			if err != nil {
				return err
			}
			msg := res.Message
			if msg == "" {
				msg = "data files updated"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d files)\n", msg, res.Files)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Update even when every data file is present")
	return cmd
}

// confirm asks a yes/no question; anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if _, err := fmt.Fprintf(out, "%s [y/N] ", question); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
