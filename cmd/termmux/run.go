package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acolita/termmux/internal/control"
	"github.com/acolita/termmux/internal/logging"
	"github.com/acolita/termmux/internal/mux"
	"github.com/acolita/termmux/internal/security"
)

var (
	flagOpen    []string
	flagRestore bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the multiplexer",
	Long: `Start the multiplexer on this terminal.

Without flags a single local shell is opened. --open takes a glob over
configured server names and may be repeated; --restore reopens the tabs
saved when the previous run ended.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagDebug {
			cfg.Logging.Level = "debug"
		}

		logger, err := logging.Setup(logging.Options{
			Level:    cfg.Logging.Level,
			Sanitize: cfg.Logging.Sanitize,
			File:     cfg.Logging.File,
		})
		if err != nil {
			return err
		}
		defer logger.Close()

		slog.Info("starting termmux",
			slog.String("version", Version),
			slog.String("config", flagConfig),
			slog.Int("servers", len(cfg.Servers)),
		)
		control.Version = Version

		var secrets mux.Secrets
		if cfg.Security.UseKeyring {
			if ks := security.NewKeyringStore(); ks.IsEnabled() {
				secrets = ks
			}
		}

		app, err := mux.New(mux.Options{
			ConfigPath: flagConfig,
			Config:     cfg,
			Logger:     logger,
			Open:       flagOpen,
			Restore:    flagRestore,
			Secrets:    secrets,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP, os.Interrupt)
		defer stop()

		if err := app.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("termmux stopped with error", slog.String("error", err.Error()))
			return err
		}
		slog.Info("termmux stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&flagOpen, "open", nil, "open remote tabs for servers matching this glob (repeatable)")
	runCmd.Flags().BoolVar(&flagRestore, "restore", false, "reopen the tabs saved by the previous run")
	rootCmd.Flags().AddFlagSet(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}
