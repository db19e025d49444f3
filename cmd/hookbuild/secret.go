package main

import (
	"fmt"
	"os"

	"hookbuild/internal/config"
	"hookbuild/internal/security"

	"github.com/spf13/cobra"
)

var (
	secretCheck bool
	secretEnv   string
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a webhook secret, or check the configured one",
	Long: `Print a new random webhook secret suitable for GitHub and hookbuild.

With --check, the secret currently in the environment (or .env) is inspected
instead and any weaknesses are reported. The secret itself is never printed.`,
	Args: cobra.NoArgs,
	RunE: runSecret,
}

func init() {
	secretCmd.Flags().BoolVar(&secretCheck, "check", false, "Check the configured secret instead of generating one")
	secretCmd.Flags().StringVar(&secretEnv, "secret-env", config.DefaultSecretEnv, "Environment variable holding the webhook secret")
}

func runSecret(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if !secretCheck {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, secret)
		return nil
	}

	warning, err := loadDotEnv()
	if err != nil {
		return err
	}
	if warning != "" {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}

	warnings := security.SecretWarnings(os.Getenv(secretEnv))
	if len(warnings) == 0 {
		fmt.Fprintf(out, "%s looks strong\n", secretEnv)
		return nil
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return fmt.Errorf("%s is weak", secretEnv)
}
