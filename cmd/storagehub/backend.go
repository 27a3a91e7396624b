package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/storagehub/internal/adapter"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

func newSwitchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <kind> [configId]",
		Short: "Validate a configuration and make its backend active",
		Long: `Validate a stored configuration and make its backend active.

The local backend needs no configuration id. When validation fails the
previously active backend stays in place.`,
		Example: `  storagehub switch minio 5b0c7f0e-3c1d-4a8e-9d3f-0b9c2a1e4f77
  storagehub switch local`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := types.ParseBackendKind(args[0])
			if err != nil {
				return err
			}
			var configID string
			if len(args) == 2 {
				configID = args[1]
			}
			if kind.IsRemote() && configID == "" {
				return errors.Newf(errors.ErrCodeInvalidInput, "%s needs a configuration id", kind)
			}
			return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
				if err := a.Registry().Switch(ctx, kind, configID); err != nil {
					return err
				}
				return printState(cmd, a)
			})
		},
	}
}

func newCurrentCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the active backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, a *adapter.Adapter) error {
				return printState(cmd, a)
			})
		},
	}
}

func printState(cmd *cobra.Command, a *adapter.Adapter) error {
	state, err := a.Registry().State()
	if err != nil {
		return err
	}
	configID := state.ConfigID
	if configID == "" {
		configID = "-"
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "kind:\t%s\n", state.Kind)
	fmt.Fprintf(w, "config:\t%s\n", configID)
	fmt.Fprintf(w, "direct stream:\t%t\n", state.Backend.SupportsDirectStream())
	fmt.Fprintf(w, "activated:\t%s\n", humanize.Time(state.ActivatedAt))
	return w.Flush()
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the health, status, metrics and local file endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)
			return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
				return a.Serve(ctx)
			})
		},
	}
}
