package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/symmetry-node/internal/db"
	"github.com/rudransh-shrivastava/symmetry-node/internal/store"
)

var (
	transcriptLimit int
	transcriptPeer  string
)

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "list collected conversation transcripts",
	Long:  `lists the transcript index kept in the data path when dataCollectionEnabled is set`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ts, err := store.OpenTranscriptStore(cfg.DataPath)
		if err != nil {
			return err
		}
		defer ts.Close()

		var rows []db.Transcript
		if transcriptPeer != "" {
			rows, err = ts.GetByPeer(cmd.Context(), transcriptPeer)
		} else {
			rows, err = ts.ListTranscripts(cmd.Context(), transcriptLimit)
		}
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println("no transcripts")
			return nil
		}
		for _, row := range rows {
			created := time.Unix(row.CreatedAt, 0).Format(time.DateTime)
			fmt.Printf("%s  peer %.8s  conv %-3d  msgs %-3d  %6dB  %s\n",
				created, row.PeerKey, row.Conversation, row.MessageCount, row.CompletionBytes, row.Path)
		}
		return nil
	},
}

func init() {
	transcriptsCmd.Flags().IntVarP(&transcriptLimit, "limit", "n", 20, "number of transcripts to list")
	transcriptsCmd.Flags().StringVar(&transcriptPeer, "peer", "", "only list transcripts for this peer key")
}
