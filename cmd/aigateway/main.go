// Command aigateway runs the AI gateway reverse proxy: credential pool
// rotation, health/circuit tracking, and an OpenAI-compatible HTTP surface
// in front of a single upstream provider.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	policyPath      string
	credentialsPath string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "aigateway",
		Short: "AI gateway reverse proxy",
	}

	root.PersistentFlags().StringVar(&policyPath, "policy", "./config/policy.yaml", "path to the policy document")
	root.PersistentFlags().StringVar(&credentialsPath, "credentials", "./config/credentials.yaml", "path to the credentials document")

	root.AddCommand(newServeCommand())
	root.AddCommand(newValidateConfigCommand())
	root.AddCommand(newMigrateCommand())

	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
