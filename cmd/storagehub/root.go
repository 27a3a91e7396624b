package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/objectfs/storagehub/internal/adapter"
	"github.com/objectfs/storagehub/internal/config"
	"github.com/objectfs/storagehub/internal/logging"
)

// cli carries the settings shared by every command.
type cli struct {
	v *viper.Viper
}

// overrides maps flag names onto the configuration fields they replace.
var overrides = map[string]func(c *config.Configuration, value string){
	"log-level":  func(c *config.Configuration, s string) { c.Global.LogLevel = s },
	"log-format": func(c *config.Configuration, s string) { c.Global.LogFormat = s },
	"store-dsn":  func(c *config.Configuration, s string) { c.Store.DSN = s },
	"local-root": func(c *config.Configuration, s string) { c.Local.Root = s },
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("STORAGEHUB")
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "storagehub",
		Short:         "Multi-backend file storage",
		Long:          `storagehub stores files on OSS, COS, KODO, MinIO or a local directory and switches between them at runtime.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "configuration file (default: storagehub.yaml in . or $HOME/.storagehub)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: json or console")
	flags.String("store-dsn", "", "configuration store DSN")
	flags.String("local-root", "", "root directory of the local backend")
	for _, name := range []string{"config", "log-level", "log-format", "store-dsn", "local-root"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}
	// AutomaticEnv looks up STORAGEHUB_LOG-LEVEL for a dashed key.
	for _, name := range []string{"config", "log-level", "log-format", "store-dsn", "local-root"} {
		_ = c.v.BindEnv(name, envName(name))
	}

	root.AddCommand(
		newServeCmd(c),
		newConfigCmd(c),
		newSwitchCmd(c),
		newCurrentCmd(c),
		newPutCmd(c),
		newLsCmd(c),
		newMkdirCmd(c),
		newRmCmd(c),
		newRmdirCmd(c),
		newMvCmd(c),
		newRenameCmd(c),
		newLinkCmd(c),
		newCatCmd(c),
	)
	return root
}

func envName(flag string) string {
	out := []byte("STORAGEHUB_")
	for i := 0; i < len(flag); i++ {
		ch := flag[i]
		switch {
		case ch == '-':
			ch = '_'
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}

// configuration resolves defaults, the YAML file, STORAGEHUB_* variables
// and flags, in that order of precedence from lowest to highest.
func (c *cli) configuration() (*config.Configuration, error) {
	cfg := config.NewDefault()

	path := c.v.GetString("config")
	if path == "" {
		finder := viper.New()
		finder.SetConfigName("storagehub")
		finder.SetConfigType("yaml")
		finder.AddConfigPath(".")
		finder.AddConfigPath("$HOME/.storagehub")
		if err := finder.ReadInConfig(); err == nil {
			path = finder.ConfigFileUsed()
		} else {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read configuration: %w", err)
			}
		}
	}
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for name, apply := range overrides {
		if value := c.v.GetString(name); value != "" {
			apply(cfg, value)
		}
	}
	return cfg, nil
}

// boot loads the configuration, initializes logging and starts an adapter
// with the persisted backend active.
func (c *cli) boot(ctx context.Context) (*adapter.Adapter, error) {
	cfg, err := c.configuration()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		OutputPath: cfg.Global.LogFile,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(ctx)
		return nil, err
	}
	return a, nil
}

// run boots an adapter, hands it to fn and stops it afterwards.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *adapter.Adapter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.boot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Stop(context.Background())
		_ = logging.Sync()
	}()
	return fn(ctx, a)
}
