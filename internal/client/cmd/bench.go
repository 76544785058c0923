package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/symmetry-node/internal/metrics"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
	"github.com/rudransh-shrivastava/symmetry-node/internal/provider"
)

var benchPrompt string

// Streams one completion from the local endpoint through the same metrics
// collector the node reports to the server.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "stream one completion from the local model and report stream metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := provider.NewClient(provider.Options{
			BaseURL:  cfg.BaseURL(),
			ChatPath: cfg.APIChatPath,
			APIKey:   cfg.APIKey,
			Model:    cfg.ModelName,
		})

		messages := []protocol.ChatMessage{{Role: "user", Content: benchPrompt}}
		if cfg.SystemMessage != "" {
			messages = append([]protocol.ChatMessage{{Role: protocol.RoleSystem, Content: cfg.SystemMessage}}, messages...)
		}

		fragments, err := client.StreamChat(ctx, provider.ChatRequest{Messages: messages})
		if err != nil {
			return err
		}

		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("tokens from "+cfg.ModelName),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("tok"),
			progressbar.OptionClearOnFinish(),
		)

		collector := metrics.NewCollector(metrics.DefaultOptions())
		for frag, err := range fragments {
			if err != nil {
				_ = bar.Exit()
				return err
			}
			if snap, ok := collector.ProcessToken(frag.Content); ok {
				log.WithFields(logrus.Fields{
					"tps":     int(snap.TokensPerSecond),
					"avg_len": snap.AverageTokenLength,
				}).Debug("Stream metrics")
			}
			_ = bar.Add(1)
		}
		_ = bar.Finish()

		out, err := json.MarshalIndent(collector.State(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	benchCmd.Flags().StringVarP(&benchPrompt, "prompt", "p", protocol.AlivePrompt, "prompt to send to the model")
}
