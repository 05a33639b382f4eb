package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jhump/protobind/binding"
	"github.com/jhump/protobind/objcache"
)

// Execute runs the protobind command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand returns the protobind root command with all subcommands.
// Each call uses its own configuration, so commands can be run side by side
// in tests.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "protobind",
		Short: "Exercise protobuf descriptor wrappers",
		Long: `protobind loads a protobuf schema into an isolated interpreter, wraps its
descriptors as reference-counted host objects, and reports how the object
cache behaved.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(v, cfgFile); err != nil {
				return err
			}
			logger, err := newLogger(v.GetString("log_level"))
			if err != nil {
				return err
			}
			binding.SetLogger(logger)
			objcache.SetLogger(logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.protobind/config.yaml)")
	root.PersistentFlags().StringP("output", "o", "table", "output format: table, json or yaml")
	root.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn or error")
	_ = v.BindPFlag("output", root.PersistentFlags().Lookup("output"))
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newInspectCommand(v))
	return root
}

// initConfig reads in the config file and environment variables. Settings
// in the environment use the PROTOBIND_ prefix, e.g. PROTOBIND_OUTPUT.
func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("protobind")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			// no home directory means no default config file
			return nil
		}
		v.AddConfigPath(filepath.Join(home, ".protobind"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
