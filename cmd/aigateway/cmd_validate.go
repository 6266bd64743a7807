package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arlojensen/aigateway/internal/config"
)

func newValidateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "load and validate the policy and credentials documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := config.LoadPolicy(policyPath)
			if err != nil {
				return fmt.Errorf("policy document: %w", err)
			}
			creds, err := config.LoadCredentials(credentialsPath)
			if err != nil {
				return fmt.Errorf("credentials document: %w", err)
			}

			fmt.Printf("policy OK: listening on %s:%d, %d credential(s) configured\n",
				policy.Proxy.Host, policy.Proxy.Port, len(creds))
			return nil
		},
	}
}
