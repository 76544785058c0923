package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the client version announced to the network",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(protocol.ClientVersion)
	},
}
