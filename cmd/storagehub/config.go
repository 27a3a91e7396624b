package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/storagehub/internal/adapter"
	"github.com/objectfs/storagehub/internal/validator"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored backend configurations",
	}
	cmd.AddCommand(
		newConfigAddCmd(c),
		newConfigListCmd(c),
		newConfigRmCmd(c),
		newConfigTestCmd(c),
	)
	return cmd
}

type configAddFlags struct {
	id        string
	kind      string
	name      string
	endpoint  string
	region    string
	accessKey string
	secretKey string
	public    string
	private   string
	userInfo  string
	threshold string
	pathStyle bool
	test      bool
}

func newConfigAddCmd(c *cli) *cobra.Command {
	var f configAddFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new backend configuration",
		Long: `Store a new backend configuration.

Stored configurations are immutable. The structural checks always run;
--test additionally probes the buckets before the configuration is saved.`,
		Example: `  storagehub config add --kind minio --endpoint http://127.0.0.1:9000 \
    --access-key minioadmin --secret-key minioadmin \
    --public-bucket pub --private-bucket priv --user-info-bucket info`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			if err := validator.CheckStructure(cfg); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
				if f.test {
					if err := a.Validator().Test(ctx, cfg); err != nil {
						return err
					}
				}
				stored, err := a.Store().Create(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), stored.ID)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.id, "id", "", "configuration id (generated when empty)")
	flags.StringVar(&f.kind, "kind", "", "backend kind: oss, cos, kodo or minio")
	flags.StringVar(&f.name, "name", "", "display name")
	flags.StringVar(&f.endpoint, "endpoint", "", "endpoint URL")
	flags.StringVar(&f.region, "region", "", "region")
	flags.StringVar(&f.accessKey, "access-key", "", "access key id")
	flags.StringVar(&f.secretKey, "secret-key", "", "secret access key")
	flags.StringVar(&f.public, "public-bucket", "", "bucket for PUBLIC objects")
	flags.StringVar(&f.private, "private-bucket", "", "bucket for PRIVATE objects")
	flags.StringVar(&f.userInfo, "user-info-bucket", "", "bucket for USER_INFO objects")
	flags.StringVar(&f.threshold, "threshold", "", "multipart threshold, e.g. 8MiB (kind default when empty)")
	flags.BoolVar(&f.pathStyle, "path-style", false, "force path-style addressing")
	flags.BoolVar(&f.test, "test", false, "probe the configuration before storing it")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (f configAddFlags) config() (types.BackendConfig, error) {
	kind, err := types.ParseBackendKind(f.kind)
	if err != nil {
		return types.BackendConfig{}, err
	}
	cfg := types.BackendConfig{
		ID:              f.id,
		Kind:            kind,
		Name:            f.name,
		Endpoint:        f.endpoint,
		Region:          f.region,
		AccessKeyID:     f.accessKey,
		SecretAccessKey: f.secretKey,
		PublicBucket:    f.public,
		PrivateBucket:   f.private,
		UserInfoBucket:  f.userInfo,
		ForcePathStyle:  f.pathStyle,
	}
	if f.threshold != "" {
		n, err := humanize.ParseBytes(f.threshold)
		if err != nil {
			return types.BackendConfig{}, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid --threshold")
		}
		cfg.UploadThreshold = int64(n)
	}
	return cfg, nil
}

func newConfigListCmd(c *cli) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored backend configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter types.BackendKind
			if kind != "" {
				k, err := types.ParseBackendKind(kind)
				if err != nil {
					return err
				}
				filter = k
			}
			return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
				configs, err := a.Store().List(ctx, filter)
				if err != nil {
					return err
				}
				state, err := a.Registry().State()
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tNAME\tENDPOINT\tBUCKETS\tTHRESHOLD\tCREATED\tACTIVE")
				for _, cfg := range configs {
					threshold := "default"
					if cfg.UploadThreshold > 0 {
						threshold = humanize.IBytes(uint64(cfg.UploadThreshold))
					}
					active := ""
					if state.ConfigID == cfg.ID {
						active = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s,%s,%s\t%s\t%s\t%s\n",
						cfg.ID, cfg.Kind, cfg.Name, cfg.Endpoint,
						cfg.PublicBucket, cfg.PrivateBucket, cfg.UserInfoBucket,
						threshold, humanize.Time(cfg.CreatedAt), active)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list configurations of this kind")
	return cmd
}

func newConfigRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a stored configuration that is not active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
				return a.Store().Delete(ctx, args[0])
			})
		},
	}
}

func newConfigTestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Probe a stored configuration without activating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
				cfg, err := a.Store().Get(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Validator().Test(ctx, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): ok\n", cfg.ID, cfg.Kind)
				return nil
			})
		},
	}
}
