package cli

import (
	"errors"
	"fmt"
	"os"

	"cfspeed/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the client config file",
	}
	cmd.AddCommand(newConfigShowCmd(o), newConfigValidateCmd(o))
	return cmd
}

// loadConfig reads the config file without opening anything else. A
// missing file yields the zero config.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if errors.Is(err, os.ErrNotExist) {
		return &config.Config{}, nil
	}
	return cfg, err
}

func newConfigShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the config file as it was parsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(o.configPath)
			if err != nil {
				return err
			}
			b, err := config.Marshal(o.configPath, cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

func newConfigValidateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(o.configPath)
			if err != nil {
				return err
			}
			s, err := cfg.Resolve()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", o.configPath)
			fmt.Fprintf(out, "backend          %s (timeout %s, %d req/s)\n", s.Backend.BaseURL, s.Backend.RequestTimeout, s.Backend.RatePerSec)
			fmt.Fprintf(out, "polling          results %s, stats %s, metrics %s\n", s.Polling.ResultsInterval, s.Polling.StatsInterval, s.Polling.MetricsInterval)
			fmt.Fprintf(out, "watchdog         timeout %s, stall after %s\n", s.Watchdog.Timeout, s.Watchdog.StallAfter)
			fmt.Fprintf(out, "chart            %d points\n", s.Chart.Capacity)
			storage := s.Storage.Driver
			if storage == "" {
				storage = "none"
			}
			fmt.Fprintf(out, "storage          %s\n", storage)
			if s.Metrics.Enabled {
				fmt.Fprintf(out, "metrics          %s\n", s.Metrics.Addr)
			}
			if s.Schedule.Spec != "" {
				_, err := fmt.Fprintf(out, "schedule         %s (%s)\n", s.Schedule.Spec, s.Schedule.Location)
				return err
			}
			return nil
		},
	}
}
