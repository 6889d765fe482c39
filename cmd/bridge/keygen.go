package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-browser-bridge/internal/signer"
)

// keygen не нуждается в конфиге, поэтому глушит PersistentPreRunE.
func newKeygenCmd() *cobra.Command {
	var (
		out  string
		bits int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA keypair for signing commands",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bits < 2048 {
				return fmt.Errorf("key size %d is too small, use at least 2048", bits)
			}
			priv, pub, err := signer.GenerateKeyPEM(bits)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			privPath := filepath.Join(out, "signer.pem")
			pubPath := filepath.Join(out, "signer.pub.pem")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "keys", "output directory")
	cmd.Flags().IntVar(&bits, "bits", 3072, "RSA key size")
	return cmd
}
