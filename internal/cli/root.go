// Package cli is the cfspeed command line.
package cli

import (
	"context"
	"io"
	"os"

	"cfspeed/internal/app"
	"cfspeed/internal/render"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "cfspeed.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
}

// open builds the application for one command.
func (o *rootOptions) open(sink render.Sink) (*app.App, error) {
	return app.New(app.Options{ConfigPath: o.configPath, LogLevel: o.logLevel, Sink: sink})
}

// NewRootCmd assembles the command tree. Command output goes to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "cfspeed",
		Short:         "Drive and watch speed tests on a cfspeed backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `cfspeed starts speed tests on a backend, polls its results, stats and
metrics while the test runs, and stops the test once enough qualified
results arrived, the operator stops it, or the watchdog times out.`,
	}
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", defaultConfigPath, "Client config file (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error)")
	cmd.SetVersionTemplate("{{ .Version }}\n")
	if out != nil {
		cmd.SetOut(out)
	}

	cmd.AddCommand(
		newRunCmd(o),
		newStopCmd(o),
		newStatusCmd(o),
		newResultsCmd(o),
		newClearCmd(o),
		newUpdateDataCmd(o),
		newConfigCmd(o),
		newDatacentersCmd(o),
		newHistoryCmd(o),
		newBaselineCmd(o),
		newDaemonCmd(o),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	cmd := NewRootCmd(os.Stdout)
	cmd.SetErr(os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.PrintErrln("Error:", err)
		return 1
	}
	return 0
}
