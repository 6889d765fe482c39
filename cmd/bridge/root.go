package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/infra"
)

// app хранит то, что PersistentPreRunE готовит для подкоманд.
type app struct {
	cfgFile string
	envFile string
	cfg     *infra.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Browser agent bridge: plans, signs and dispatches agent commands to paired browsers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml or ./configs/config.yaml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(newServeCmd(a), newKeygenCmd(), newMigrateCmd(a), newPairCmd(a))
	return root
}

func (a *app) setup() error {
	// .env не обязателен; уже выставленные переменные окружения он не перекрывает
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}

	cfg, err := infra.LoadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger.With(zap.String("service", "bridge"))
	return nil
}
