package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bldst/buildstate/pkg/client"
)

func newPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage projects and resume policies",
	}
	cmd.AddCommand(newProjectCreateCmd())
	cmd.AddCommand(newPoliciesSetCmd())
	cmd.AddCommand(newPoliciesListCmd())
	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create-project <name>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := api().CreateProject(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("Created project %s (%s)\n", p.ID, p.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "project description")
	return cmd
}

func newPoliciesSetCmd() *cobra.Command {
	var req client.UpsertPolicyRequest
	var artifacts, variables string

	cmd := &cobra.Command{
		Use:   "set <project-id> <state>",
		Short: "Set the resume policy for a milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid state code %q", args[1])
			}
			if artifacts != "" {
				req.RequiredArtifacts = strings.Split(artifacts, ",")
			}
			if variables != "" {
				req.RequiredVariables = strings.Split(variables, ",")
			}
			p, err := api().UpsertPolicy(cmd.Context(), args[0], state, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("Policy for project %s state %d: resumable=%v strategy=%s\n", p.ProjectID, p.StateCode, p.IsResumable, p.Strategy)
			return nil
		},
	}

	cmd.Flags().BoolVar(&req.IsResumable, "resumable", false, "allow resuming into this state")
	cmd.Flags().StringVar(&req.Strategy, "strategy", "rerun_state", "resume strategy (from_artifact, rerun_state, skip_to_next)")
	cmd.Flags().StringVar(&artifacts, "required-artifacts", "", "comma-separated artifact names or types")
	cmd.Flags().StringVar(&variables, "required-variables", "", "comma-separated variable keys")
	cmd.Flags().StringVar(&req.ResumeCommand, "command", "", "command template for the resuming worker")
	cmd.Flags().IntVar(&req.ResumeTimeoutSecs, "timeout", 0, "resume timeout in seconds")
	cmd.Flags().StringVar(&req.Description, "description", "", "policy description")
	return cmd
}

func newPoliciesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's resume policies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := api().ListPolicies(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(policies)
			}
			for _, p := range policies {
				fmt.Printf("state=%-3d resumable=%-5v %-13s artifacts=%s\n", p.StateCode, p.IsResumable, p.Strategy, strings.Join(p.RequiredArtifacts, ","))
			}
			return nil
		},
	}
}
