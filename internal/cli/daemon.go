package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDaemonCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run tests on the configured schedule",
		Long: `Start a test on every fire of schedule.spec until interrupted. A fire that
lands while a test is still running is skipped. Progress goes to the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := o.open(nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			return a.RunDaemon(ctx)
		},
	}
}
