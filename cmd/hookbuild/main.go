package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"hookbuild/internal/security"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "hookbuild",
	Short: "GitHub webhook build trigger",
	Long: `Hookbuild receives GitHub webhooks, checks they really came from GitHub
and rebuilds a single site in place: pull, install, build.

Deliveries are accepted only from GitHub's hook address ranges and only with a
valid X-Hub-Signature-256. Builds never overlap; deliveries that arrive during a
build wait their turn.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(rangesCmd)
	rootCmd.AddCommand(historyCmd)
}

// loadDotEnv loads ./.env if present. Variables already set in the
// environment win. It returns a warning when the file is readable by others.
func loadDotEnv() (string, error) {
	const path = ".env"
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := security.ValidateSecurePermissions(path); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
