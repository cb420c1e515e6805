// Package cli implements the anroll command line.
package cli

import (
	"github.com/spf13/cobra"

	"anroll-controller/internal/config"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var (
	cfgFile  string
	logLevel string
	build    = BuildInfo{Version: "dev", Commit: "none", Date: "unknown"}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "anroll",
	Short: "AnRoll controller - headless driver for the unrolling backend",
	Long: `anroll keeps a session with the AnRoll compute backend, buffers
parameter changes in a bounded queue and exposes the session over HTTP,
WebSocket, MQTT, Lua scripts and cron schedules.`,
	SilenceUsage: true,
}

// Execute runs the root command with the given build information.
func Execute(info BuildInfo) error {
	build = info
	rootCmd.Version = info.Version
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}
