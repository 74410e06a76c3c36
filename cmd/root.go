// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/observability"
)

type contextKey string

const (
	configKey contextKey = "config"
	loggerKey contextKey = "logger"
)

// ErrInterrupted is returned when a run stopped on a signal before finishing.
// The session can be resumed.
var ErrInterrupted = errors.New("run interrupted")

// NewRootCommand builds the command tree. Every call returns an independent
// tree so tests and repeated executions never share flag state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "bughive",
		Short:         "BugHive crawls a web application, finds bugs and files them.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if err := bindCommandFlags(cmd, v); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// Logs go to stderr; stdout carries the run summary.
			logger, err := observability.NewLogger(cfg.Logger, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger.Debug("Starting BugHive", zap.String("version", Version))

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger, err := getLoggerFromContext(cmd.Context()); err == nil {
				observability.Sync(logger)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with ctx and reports the error on stderr.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, ErrInterrupted) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// initializeConfig reads the config file and BUGHIVE_* environment variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("BUGHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}
	return nil
}

// flagBindings maps command flags onto config keys so a flag overrides the
// config file and environment.
var flagBindings = map[string]string{
	"max-pages":        "crawl.max_pages",
	"max-depth":        "crawl.max_depth",
	"stop-on-critical": "pipeline.stop_on_critical",
	"output":           "report.markdown_path",
	"junit":            "report.junit_path",
}

func bindCommandFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagBindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	if flag := cmd.Flags().Lookup("no-tickets"); flag != nil && flag.Changed {
		v.Set("tracker.enabled", false)
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}

func getLoggerFromContext(ctx context.Context) (*zap.Logger, error) {
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return nil, errors.New("logger not found in context")
	}
	return logger, nil
}
