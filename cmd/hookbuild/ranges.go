package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"hookbuild/internal/ghmeta"
	"hookbuild/internal/origin"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	rangesYAML    bool
	rangesBuiltin bool
)

var rangesCmd = &cobra.Command{
	Use:   "ranges",
	Short: "Print the address ranges GitHub sends webhooks from",
	Long: `Fetch GitHub's published webhook source ranges from the meta API.

Set GITHUB_TOKEN to raise the API rate limit. With --yaml the output can be
pasted into hookbuild.yaml as allowed_ranges.`,
	Args: cobra.NoArgs,
	RunE: runRanges,
}

func init() {
	rangesCmd.Flags().BoolVar(&rangesYAML, "yaml", false, "Print as an allowed_ranges YAML block")
	rangesCmd.Flags().BoolVar(&rangesBuiltin, "builtin", false, "Print the built-in ranges without contacting GitHub")
}

func runRanges(cmd *cobra.Command, args []string) error {
	ranges := origin.GitHubHookRanges

	if !rangesBuiltin {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var err error
		ranges, err = ghmeta.NewClient(os.Getenv(ghmeta.TokenEnv)).HookRanges(ctx)
		if err != nil {
			return err
		}
	}

	if _, err := origin.ParseRanges(ranges); err != nil {
		return fmt.Errorf("unexpected range in response: %w", err)
	}

	out := cmd.OutOrStdout()
	if !rangesYAML {
		fmt.Fprintln(out, strings.Join(ranges, "\n"))
		return nil
	}

	data, err := yaml.Marshal(map[string][]string{"allowed_ranges": ranges})
	if err != nil {
		return fmt.Errorf("failed to encode ranges: %w", err)
	}
	_, err = out.Write(data)
	return err
}
