// tierbase - tiered key/value storage engine
//
// Serves a Manager over HTTP or runs one-shot commands against the configured tiers.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/adrianmcphee/tierbase"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	v := viper.New()
	rootCmd := newRootCmd(v)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tierbase",
		Short: "Tiered key/value storage engine",
		Long: `tierbase places values across a bounded fast tier, an unbounded indexed tier
and a bucketed priority tier, evicting and repairing them in the background.

Settings come from a YAML file (--config), TIERBASE_* environment variables and flags:
  TIERBASE_CONFIG      path of the YAML config file
  TIERBASE_ADDR        listen address for "serve"
  TIERBASE_LOG_PATH    rotating JSON log file
  TIERBASE_LOG_LEVEL   debug, info, warn or error`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.String("log-path", "", "write JSON logs to this file instead of stderr")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("debug", false, "human-readable debug logging on stderr")

	v.SetEnvPrefix("TIERBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindPFlags(flags)

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newPutCmd(v))
	rootCmd.AddCommand(newGetCmd(v))
	rootCmd.AddCommand(newRemoveCmd(v))
	rootCmd.AddCommand(newListCmd(v))
	rootCmd.AddCommand(newUsageCmd(v))
	rootCmd.AddCommand(newMaintainCmd(v))
	rootCmd.AddCommand(newConfigCmd(v))

	return rootCmd
}

// loadConfig reads the YAML file named by --config and layers the log flags on top
func loadConfig(v *viper.Viper) (tierbase.Config, error) {
	cfg, err := tierbase.LoadConfig(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if p := v.GetString("log-path"); p != "" {
		cfg.Log.Path = p
	}
	if l := v.GetString("log-level"); l != "" {
		cfg.Log.Level = l
	}
	return cfg, nil
}

func newLogger(v *viper.Viper, cfg tierbase.Config) (*tierbase.ZapLogger, error) {
	switch {
	case cfg.Log.Path != "":
		return tierbase.NewFileZapLogger(cfg.Log)
	case v.GetBool("debug"):
		return tierbase.NewDevelopmentZapLogger()
	default:
		return tierbase.NewProductionZapLogger()
	}
}
