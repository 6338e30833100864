package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/heartwood"
)

// NewKeygenCmd produces the command that creates a node key pair.
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new node key",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlagsAndConfig(cmd)
		},
		RunE: keygen,
	}

	cmd.Flags().Bool("dry-run", false, "Print a new key pair without writing it")

	return cmd
}

func keygen(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if dryRun {
		pemDump, err := crypto.GeneratePemKey()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Println("NodeID:")
		fmt.Println(pemDump.PublicKey)
		fmt.Println("PrivateKey:")
		fmt.Println(pemDump.PrivateKey)
		return nil
	}

	key, err := heartwood.Keygen(_config.DataDir)
	if err != nil {
		return err
	}

	fmt.Printf("Your key has been saved under: %s\n", _config.DataDir)
	fmt.Printf("NodeID: %s\n", key.NodeID())

	return nil
}
