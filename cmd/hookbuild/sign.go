package main

import (
	"fmt"
	"io"
	"os"

	"hookbuild/internal/config"
	"hookbuild/internal/security"

	"github.com/spf13/cobra"
)

var (
	signSecretEnv string
	signHeader    bool
)

var signCmd = &cobra.Command{
	Use:   "sign [payload-file]",
	Short: "Compute the X-Hub-Signature-256 value for a payload",
	Long: `Compute the signature GitHub would send for a payload, using the webhook
secret from the environment (or .env). Reads standard input when no file is given.

Useful for replaying a delivery by hand:

  hookbuild sign payload.json --header | curl -H @- --data-binary @payload.json ...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signSecretEnv, "secret-env", config.DefaultSecretEnv, "Environment variable holding the webhook secret")
	signCmd.Flags().BoolVar(&signHeader, "header", false, "Print a full header line instead of the bare value")
}

func runSign(cmd *cobra.Command, args []string) error {
	if _, err := loadDotEnv(); err != nil {
		return err
	}

	secret := os.Getenv(signSecretEnv)
	if secret == "" {
		return fmt.Errorf("%s is not set", signSecretEnv)
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open payload: %w", err)
		}
		defer f.Close()
		in = f
	}

	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	signature := security.Sign(body, []byte(secret))
	if signHeader {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", security.SignatureHeader, signature)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), signature)
	return nil
}
