package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"anroll-controller/internal/agent"
	"anroll-controller/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the controller",
	Long: `Start the controller and keep it running until SIGINT or SIGTERM.
The backend session reconnects on its own; the HTTP server, MQTT bridge and
scheduler run alongside it.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	l, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer l.Close()

	log := logger.Component("main")
	log.Info().
		Str("version", build.Version).
		Str("commit", build.Commit).
		Str("built", build.Date).
		Msg("Starting AnRoll controller")

	a, err := agent.NewAgent(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.Run()

	<-ctx.Done()
	log.Info().Msg("Shutting down agent")
	a.Shutdown()
	log.Info().Msg("Agent shut down gracefully")
	return nil
}
