package main

import (
	"fmt"
	"io"

	"github.com/openmined/livedb/internal/config"
	"github.com/openmined/livedb/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the livedb config file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the settings from flags and environment to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg, configPath(cmd))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the config file with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.OutOrStdout(), configPath(cmd))
		},
	})

	return cmd
}

// configPath is the --config flag, resolved.
func configPath(cmd *cobra.Command) string {
	path := config.DefaultConfigPath
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		path = f.Value.String()
	}
	if resolved, err := utils.ResolvePath(path); err == nil {
		return resolved
	}
	return path
}

func writeConfig(out io.Writer, cfg *config.Config, path string) error {
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("config save: %w", err)
	}
	_, err := fmt.Fprintln(out, green("Config written to"), path)
	return err
}

func showConfig(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	token := gray("(none)")
	if cfg.AuthToken != "" {
		token = utils.MaskSecret(cfg.AuthToken)
	}
	cache := cfg.CachePath
	if cache == "" {
		cache = gray("(memory)")
	}

	fmt.Fprintln(out, cyan("path        "), cfg.Path)
	fmt.Fprintln(out, cyan("database_url"), cfg.DatabaseURL)
	fmt.Fprintln(out, cyan("cache_path  "), cache)
	if cfg.RedisURL != "" {
		fmt.Fprintln(out, cyan("redis_url   "), cfg.RedisURL)
	}
	fmt.Fprintln(out, cyan("auth_token  "), token)
	_, err = fmt.Fprintln(out, cyan("log_level   "), cfg.LogLevel)
	return err
}
