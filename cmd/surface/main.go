// Команда surface: исполнитель команд в управляемом Chrome. Подключается к мосту
// как расширение, проверяет подписи и выполняет шаги на странице.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/infra"
	"github.com/xela07ax/spaceai-browser-bridge/internal/signer"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/chromepage"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	var headful bool

	cmd := &cobra.Command{
		Use:          "surface",
		Short:        "Execute signed bridge commands in a controlled Chrome",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := infra.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			if headful {
				cfg.Surface.Chrome.Headless = false
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg.Surface, logger.With(zap.String("service", "surface")))
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ./configs/config.yaml)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	return cmd
}

func run(ctx context.Context, cfg infra.SurfaceConfig, logger *zap.Logger) error {
	if cfg.ExtensionID == "" || cfg.UserID == "" || cfg.PairingToken == "" {
		return fmt.Errorf("surface.extension_id, surface.user_id and surface.pairing_token are required")
	}
	verifier, err := signer.VerifierFromPEM(cfg.PublicKey)
	if err != nil {
		return fmt.Errorf("surface public key: %w", err)
	}

	page, err := chromepage.Launch(ctx, cfg.Chrome, logger)
	if err != nil {
		return err
	}
	defer page.Close()

	if cfg.StartURL != "" {
		if err := page.Navigate(ctx, cfg.StartURL); err != nil {
			logger.Warn("Start page failed to load", zap.String("url", cfg.StartURL), zap.Error(err))
		}
	}

	c := client.New(client.Config{
		ServerURL:         cfg.ServerURL,
		ExtensionID:       cfg.ExtensionID,
		UserID:            cfg.UserID,
		PairingToken:      cfg.PairingToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		QueueSize:         cfg.QueueSize,
		MaxReconnects:     cfg.MaxReconnects,
		MaxBackoff:        cfg.MaxBackoff,
		Runner:            cfg.Runner,
	}, verifier, page, logger)

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
