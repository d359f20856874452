// Command bldst is the operator CLI for the buildstate service.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bldst/buildstate/pkg/client"
)

var (
	serverURL  string
	jsonOutput bool
)

func newRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bldst",
		Short:         "Inspect and control resumable image builds",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	defaultServer := os.Getenv("BLDST_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "buildstate server URL")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output raw JSON")

	cmd.AddCommand(newBuildsCmd())
	cmd.AddCommand(newTransitionCmd())
	cmd.AddCommand(newArtifactsCmd())
	cmd.AddCommand(newVarsCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newPoliciesCmd())
	return cmd
}

func api() *client.Client {
	return client.New(serverURL)
}

// printJSON renders v as indented JSON to stdout.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
