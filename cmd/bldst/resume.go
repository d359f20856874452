package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bldst/buildstate/pkg/client"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Inspect resume contexts and drive resume requests",
	}
	cmd.AddCommand(newResumeContextCmd())
	cmd.AddCommand(newResumeRequestCmd())
	cmd.AddCommand(newResumeStatusCmd())
	cmd.AddCommand(newResumeListCmd())
	cmd.AddCommand(newResumeCancelCmd())
	return cmd
}

func newResumeContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <build-id>",
		Short: "Show the assembled resume context for a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := api().GetResumeContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rc)
			}
			fmt.Printf("Build          : %s\n", rc.BuildID)
			fmt.Printf("Last completed : %d\n", rc.LastCompletedState)
			if rc.FailedState != nil {
				fmt.Printf("Failed at      : %d\n", *rc.FailedState)
			}
			fmt.Printf("Resume from    : %d\n", rc.ResumeFromState)
			fmt.Printf("Resumable      : %v\n", rc.Resumable)
			if !rc.Resumable && rc.Reason != "" {
				fmt.Printf("Reason         : %s\n", rc.Reason)
			}
			if rc.Incomplete {
				fmt.Println("Incomplete     : true")
				if len(rc.MissingArtifacts) > 0 {
					fmt.Printf("  missing artifacts: %s\n", strings.Join(rc.MissingArtifacts, ", "))
				}
				if len(rc.MissingVariables) > 0 {
					fmt.Printf("  missing variables: %s\n", strings.Join(rc.MissingVariables, ", "))
				}
			}
			for _, a := range rc.Artifacts {
				fmt.Printf("  artifact state=%-3d %s (%s)\n", a.StateCode, a.Name, a.Type)
			}
			return nil
		},
	}
}

func newResumeRequestCmd() *cobra.Command {
	var spec client.RequestResumeSpec
	var toState int

	cmd := &cobra.Command{
		Use:   "request <build-id>",
		Short: "File a resume request for a failed build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("to") {
				spec.ToState = &toState
			}
			req, err := api().RequestResume(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(req)
			}
			fmt.Printf("Filed resume request %s (from state %d, status %s)\n", req.ID, req.ResumeFromState, req.Status)
			return nil
		},
	}

	cmd.Flags().IntVar(&spec.FromState, "from", 0, "milestone to resume from (required)")
	cmd.Flags().IntVar(&toState, "to", 0, "optional milestone to stop at")
	cmd.Flags().StringVar(&spec.Reason, "reason", "", "why the build is being resumed")
	cmd.Flags().StringVar(&spec.RequestedBy, "requested-by", "", "who requested the resume")
	cmd.Flags().StringVar(&spec.Platform, "platform", "", "override the orchestration target")
	cmd.MarkFlagRequired("from")
	return cmd
}

func newResumeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show one resume request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := api().GetResumeRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(req)
			}
			printRequest(req)
			return nil
		},
	}
}

func newResumeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <build-id>",
		Short: "List a build's resume requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := api().ListResumeRequests(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(reqs)
			}
			for _, r := range reqs {
				fmt.Printf("%s  from=%-3d %-10s %s\n", r.ID, r.ResumeFromState, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newResumeCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a resume request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := api().CancelResumeRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(req)
			}
			if req.Status == "cancelled" {
				fmt.Printf("Cancelled request %s\n", req.ID)
			} else {
				fmt.Printf("Cancellation requested for %s (status %s)\n", req.ID, req.Status)
			}
			return nil
		},
	}
}

func printRequest(r *client.ResumeRequest) {
	fmt.Printf("ID       : %s\n", r.ID)
	fmt.Printf("Build    : %s\n", r.BuildID)
	fmt.Printf("From     : %d\n", r.ResumeFromState)
	if r.ResumeToState != nil {
		fmt.Printf("To       : %d\n", *r.ResumeToState)
	}
	fmt.Printf("Status   : %s\n", r.Status)
	if r.JobURL != "" {
		fmt.Printf("Job      : %s\n", r.JobURL)
	}
	if r.ErrorMessage != "" {
		fmt.Printf("Error    : %s\n", r.ErrorMessage)
	}
}
