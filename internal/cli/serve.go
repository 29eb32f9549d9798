package cli

import (
	"errors"
	"fmt"

	"github.com/harun/shopassist/internal/config"
	"github.com/harun/shopassist/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant gateway in the foreground",
	Long: `Run the shopassist daemon in the foreground.
Chat panels connect to the WebSocket gateway at /ws. The process stops on
SIGINT or SIGTERM, closing and saving every open conversation.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "gateway bind address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}

	if pid, err := daemon.RunningPID(cfg.DataDir); err == nil {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	} else if !errors.Is(err, daemon.ErrNotRunning) {
		return err
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	zl := log.Zerolog()
	for _, finding := range config.NewValidator().ValidateConfig(cfg) {
		zl.Warn().Err(finding).Msg("Configuration warning")
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "shopassist listening on ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	d.Wait()
	return nil
}
