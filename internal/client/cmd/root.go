package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/symmetry-node/internal/config"
	"github.com/rudransh-shrivastava/symmetry-node/internal/logger"
	"github.com/rudransh-shrivastava/symmetry-node/internal/node"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "symmetry",
	Short: "runs a symmetry inference provider node",
	Long: `symmetry connects a local OpenAI compatible model endpoint to the symmetry network.
The node verifies the rendezvous server, announces the model and relays streamed completions to peers.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		n, err := node.New(node.Options{
			Config:     cfg,
			ConfigPath: configPath,
			Logger:     log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return n.Run(ctx)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the provider config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides logLevel from the config")

	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(transcriptsCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.ProviderConfig, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	return cfg, logger.New(os.Stderr, lvl), nil
}
