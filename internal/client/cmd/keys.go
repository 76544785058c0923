package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/symmetry-node/internal/identity"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "print the node public key and discovery key",
	Long:  `prints the keys derived from the user secret, generating and saving a secret first if the config has none`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		created, err := cfg.EnsureUserSecret(configPath)
		if err != nil {
			return err
		}
		if created {
			log.Infof("Generated user secret and saved it to %s", configPath)
		}

		keys, err := identity.FromSecret(cfg.UserSecret)
		if err != nil {
			return err
		}
		dk, err := identity.DiscoveryKey(keys.PublicKey)
		if err != nil {
			return err
		}

		fmt.Printf("public key:    %s\n", keys.PublicKeyHex())
		fmt.Printf("discovery key: %s\n", hex.EncodeToString(dk))
		return nil
	},
}
