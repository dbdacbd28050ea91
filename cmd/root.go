package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcoeg/etrap/pkg/application"
	"github.com/marcoeg/etrap/pkg/config"
)

var (
	// Version information (set by ldflags)
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	configFile string
	logLevel   string
	timezone   string

	// Application context
	app *application.Etrap
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "etrap",
		Short:   "Tamper evidence pipeline for relational databases",
		Long:    `Captures database change events, seals them into Merkle-tree bundles anchored on NEAR, and verifies rows against the anchored record.`,
		Version: fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeApp()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./etrap.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&timezone, "timezone", "", "IANA timezone for timestamp canonicalisation (default: host zone)")

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(NewAgentCmd())
	rootCmd.AddCommand(NewVerifyCmd())
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("etrap")
		viper.SetConfigType("yaml")
	}

	config.SetDefaults(viper.GetViper())
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func initializeApp() error {
	if timezone != "" {
		viper.Set("timezone", timezone)
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	app = application.New()
	return app.Setup(logger, viper.GetViper())
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
