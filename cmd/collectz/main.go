// Command collectz runs YAML-configured collection-processing pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "collectz",
		Short: "Run bounded collection-processing pipelines",
		Long: `collectz reads documents from a source, runs them through a pipeline of
stages on a fixed pool of reusable items and hands the results to consumer
stages.

Pipelines are declared in YAML; any engine setting can be overridden from the
environment with the COLLECTZ_ prefix, e.g. COLLECTZ_ENGINE_WORKERS=8.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(kindsCmd)
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the available source and stage kinds",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Sources:")
		for _, k := range sourceKinds() {
			fmt.Fprintf(out, "  %s\n", k)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Stages:")
		for _, k := range newRegistry().Kinds() {
			fmt.Fprintf(out, "  %s\n", k)
		}
	},
}
