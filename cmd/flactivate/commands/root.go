// Package commands implements the flactivate CLI: the shell-facing
// front command (start), the detached supervisor entry point
// (executive), and the attach helper used by in-place activations.
package commands

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flox/flactivate/internal/config"
)

var (
	cfgFile string
	debug   bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flactivate",
	Short: "Activate a flox environment",
	Long: `flactivate drives per-environment activation: the first shell to
activate an environment starts an executive that runs the on-activate
hook and owns the environment's lifecycle; later shells attach to it.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/flactivate/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		xdg := os.Getenv("XDG_CONFIG_HOME")
		if xdg == "" {
			if home, err := os.UserHomeDir(); err == nil {
				xdg = filepath.Join(home, ".config")
			}
		}
		viper.AddConfigPath(filepath.Join(xdg, "flactivate"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("FLOX")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func setupLogger() {
	level := slog.LevelInfo
	if debug || viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}
