package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cfspeed/internal/app"
	"cfspeed/internal/backend"
	"cfspeed/internal/eventbus"
	"cfspeed/internal/render"
	"cfspeed/internal/session"
	logx "cfspeed/pkg/logx"

	"github.com/spf13/cobra"
)

func newRunCmd(o *rootOptions) *cobra.Command {
	var (
		jsonOut     bool
		expected    int
		datacenters string
		extended    bool
		noExtended  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a test and follow it until it ends",
		Long: `Start a test on the backend and show live progress until it completes,
is stopped with Ctrl-C, or the watchdog timeout fires. With --expected or
--datacenters the backend config is updated and saved before the start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			var console *render.Console
			var sink render.Sink = render.Nop{}
			if !jsonOut {
				console = render.NewConsole(out)
				sink = console
			}

			a, err := o.open(sink)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if jsonOut {
				streamCtx, cancel := context.WithCancel(ctx)
				done := streamEvents(streamCtx, a.Bus(), out)
				defer func() {
					cancel()
					<-done
				}()
			}
			if a.Metrics() != nil {
				go func() {
					if err := a.ServeMetrics(ctx); err != nil {
						a.Logger().Warn("metrics listener failed", logx.Err(err))
					}
				}()
			}
			switch {
			case noExtended:
				a.Controller().SetExtendedMetrics(false)
			case cmd.Flags().Changed("metrics"):
				a.Controller().SetExtendedMetrics(extended)
			}

			remote, err := remoteOverride(ctx, a.Client(), expected, datacenters)
			if err != nil {
				return err
			}
			ctrl := a.Controller()
			if err := ctrl.Start(ctx, remote); err != nil {
				return err
			}

			select {
			case <-ctrl.Done():
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				err := ctrl.Stop(stopCtx)
				cancel()
				if err != nil {
					return err
				}
			}

			final := context.WithoutCancel(ctx)
			if rs, err := a.Client().Results(final); err == nil {
				sink.Results(rs)
			}
			if console != nil {
				if err := console.Flush(); err != nil {
					return err
				}
			}

			v := ctrl.Snapshot()
			if v.Session.State == session.Errored {
				return fmt.Errorf("test %s ended: %s", v.Session.ID, v.Session.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Stream render events and alerts as JSON lines")
	cmd.Flags().IntVar(&expected, "expected", 0, "Qualified results that complete the test (updates the backend config)")
	cmd.Flags().StringVar(&datacenters, "datacenters", "", `Datacenter filter such as "HKG,SJC" (updates the backend config)`)
	cmd.Flags().BoolVar(&extended, "metrics", false, "Poll extended metrics regardless of the backend's enable_metrics")
	cmd.Flags().BoolVar(&noExtended, "no-metrics", false, "Never poll extended metrics")
	cmd.MarkFlagsMutuallyExclusive("metrics", "no-metrics")
	return cmd
}

// remoteOverride returns the backend config with the requested changes, or
// nil when nothing is overridden.
func remoteOverride(ctx context.Context, client *backend.Client, expected int, datacenters string) (*backend.RemoteConfig, error) {
	datacenters = strings.TrimSpace(datacenters)
	if expected <= 0 && datacenters == "" {
		return nil, nil
	}
	cfg, err := client.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load backend config: %w", err)
	}
	if expected > 0 {
		cfg.Test.ExpectedServers = expected
	}
	if datacenters != "" {
		cfg.Test.DatacenterFilter = strings.ToUpper(datacenters)
	}
	return &cfg, nil
}

// streamEvents writes render and alert events to w, one JSON object per
// line, until ctx is done. Events already queued at that point are still
// written. The returned channel closes when it stops.
func streamEvents(ctx context.Context, bus eventbus.Bus, w io.Writer) <-chan struct{} {
	events, unsub := bus.Subscribe(256,
		render.EventResults, render.EventDisplay, render.EventChart, render.EventNotice, app.EventAlert)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		enc := json.NewEncoder(w)
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case e, ok := <-events:
						if !ok {
							return
						}
						_ = enc.Encode(e)
					default:
						return
					}
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				_ = enc.Encode(e)
			}
		}
	}()
	return done
}
