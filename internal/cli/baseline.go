package cli

import (
	"encoding/json"
	"fmt"

	"cfspeed/internal/baseline"
	"cfspeed/internal/render"
	"cfspeed/internal/runtime/supervisor"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newBaselineCmd(o *rootOptions) *cobra.Command {
	var (
		upload  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Measure the local line speed and suggest a bandwidth threshold",
		Long: `Run a speedtest.net measurement against the closest servers and print the
download speed together with a suggested test.bandwidth value for the
backend config (download * baseline.threshold_ratio).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(render.Nop{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			sup := supervisor.New(cmd.Context(), supervisor.WithLogger(a.Logger()))
			defer sup.Stop(cmd.Context())

			bs := a.Settings().Baseline
			p := baseline.New(baseline.Config{
				ServerCount:     bs.ServerCount,
				FullTestServers: bs.FullTestServers,
				ThresholdRatio:  bs.ThresholdRatio,
				Upload:          upload,
			}, baseline.WithLogger(a.Logger()), baseline.WithSpawner(sup))

			m, err := p.Run(sup.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server     %s (%s)\n", m.ServerName, m.ServerCountry)
			fmt.Fprintf(out, "isp        %s\n", m.ISP)
			fmt.Fprintf(out, "ping       %.1f ms (jitter %.1f ms)\n", m.PingMs, m.JitterMs)
			fmt.Fprintf(out, "download   %s Mbps\n", humanize.FtoaWithDigits(m.DownloadMbps, 2))
			if upload {
				fmt.Fprintf(out, "upload     %s Mbps\n", humanize.FtoaWithDigits(m.UploadMbps, 2))
			}
			_, err = fmt.Fprintf(out, "suggested  test.bandwidth = %s\n", humanize.FtoaWithDigits(m.SuggestedThresholdMbps, 1))
			return err
		},
	}
	cmd.Flags().BoolVar(&upload, "upload", false, "Also measure upload")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}
