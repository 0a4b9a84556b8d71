package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agent-session-sync/internal/config"
	"agent-session-sync/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sessionsync",
	Short: "Realtime session synchronization client and development backend",
	Long: `sessionsync keeps a local view of an agent session in sync with its backend.
It merges pushed channel events with REST snapshots, queues messages while a run is active,
and falls back to polling when the push channel is unavailable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := logger.Init(loaded.Log.Level, loaded.Log.Format); err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
