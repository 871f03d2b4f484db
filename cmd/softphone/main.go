package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hamzaKhattat/softphone-core/internal/app"
	"github.com/hamzaKhattat/softphone-core/internal/config"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "softphone",
		Short:         "SIP softphone call-session coordinator",
		Long:          "Keeps SIP accounts, the switched call and call history consistent on top of an Asterisk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		createServeCommand(),
		createHistoryCommands(),
		createSettingsCommands(),
		createProvisionCommands(),
		createConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *viper.Viper, error) {
	v := viper.New()
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := app.InitLogger(cfg.Monitoring.Logging, verbose); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %v", err)
	}
	return cfg, v, nil
}

func createServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator against the configured Asterisk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.WithFields(map[string]interface{}{
				"ami":   fmt.Sprintf("%s:%d", cfg.Asterisk.AMI.Host, cfg.Asterisk.AMI.Port),
				"store": cfg.Store.Driver,
			}).Info("Starting softphone core")

			return a.Run(ctx)
		},
	}
}
