package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/livedb/internal/config"
	"github.com/openmined/livedb/internal/utils"
	"github.com/openmined/livedb/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
	// terminal log level, raised or lowered once the config is read
	logLevel = new(slog.LevelVar)
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:          "livedb",
	Short:        "Live client for a hierarchical realtime database",
	Version:      version.Detailed(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("url", "u", "", "Database URL, e.g. https://chat.example.com")
	pf.StringP("token", "t", "", "Auth token")
	pf.String("cache", config.DefaultCachePath, "Redirect cache file, empty keeps redirects in memory")
	pf.String("redis", "", "Redis URL shared by clients for redirects, overrides --cache")
	pf.String("log-level", config.DefaultLogLevel, "Terminal log level")
	pf.StringP("config", "c", config.DefaultConfigPath, "livedb config file")
	pf.String("env", ".env", "dotenv file loaded before the environment is read")
}

func main() {
	file, err := utils.OpenLogFile(config.DefaultLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	logLevel.Set(slog.LevelInfo)
	stderrHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	defer logInterceptor.Close()
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler, fileHandler)))

	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if envFile, _ := cmd.Flags().GetString("env"); envFile != "" && utils.FileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("dotenv load", "path", envFile, "error", err)
		}
	}

	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".livedb"))
		viper.AddConfigPath(filepath.Join(home, ".config", "livedb"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("database_url", cmd.Flag("url"))
	viper.BindPFlag("auth_token", cmd.Flag("token"))
	viper.BindPFlag("cache_path", cmd.Flag("cache"))
	viper.BindPFlag("redis_url", cmd.Flag("redis"))
	viper.BindPFlag("log_level", cmd.Flag("log-level"))

	viper.SetEnvPrefix("LIVEDB")
	viper.AutomaticEnv()

	return nil
}

// readConfig builds and validates the config from flags, environment and config file.
func readConfig() (*config.Config, error) {
	cfg := &config.Config{
		Path:        viper.ConfigFileUsed(),
		DatabaseURL: viper.GetString("database_url"),
		CachePath:   viper.GetString("cache_path"),
		RedisURL:    viper.GetString("redis_url"),
		AuthToken:   viper.GetString("auth_token"),
		LogLevel:    viper.GetString("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logLevel.Set(cfg.Level())
	return cfg, nil
}
