package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/bldst/buildstate/pkg/client"
)

func newBuildsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Manage tracked builds",
	}
	cmd.AddCommand(newBuildsCreateCmd())
	cmd.AddCommand(newBuildsGetCmd())
	cmd.AddCommand(newBuildsListCmd())
	cmd.AddCommand(newBuildsStateCmd())
	return cmd
}

func newBuildsCreateCmd() *cobra.Command {
	var req client.CreateBuildRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new build at milestone zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := api().CreateBuild(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("Created build %s (platform %s, state %d)\n", b.ID, b.Platform, b.CurrentState)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project ID")
	cmd.Flags().StringVar(&req.Platform, "platform", "", "orchestration platform (required)")
	cmd.Flags().StringVar(&req.OSVersion, "os-version", "", "target OS version")
	cmd.Flags().StringVar(&req.ImageType, "image-type", "", "image type (ami, qcow2, vhd, ...)")
	cmd.Flags().StringVar(&req.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&req.PipelineURL, "pipeline-url", "", "originating pipeline URL")
	cmd.Flags().StringVar(&req.CommitHash, "commit", "", "source commit hash")
	cmd.MarkFlagRequired("platform")
	return cmd
}

func newBuildsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <build-id>",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := api().GetBuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("ID       : %s\n", b.ID)
			fmt.Printf("Platform : %s\n", b.Platform)
			fmt.Printf("State    : %d\n", b.CurrentState)
			fmt.Printf("Status   : %s\n", b.Status)
			if b.PipelineURL != "" {
				fmt.Printf("Pipeline : %s\n", b.PipelineURL)
			}
			return nil
		},
	}
}

func newBuildsListCmd() *cobra.Command {
	var status, platform, project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if platform != "" {
				q.Set("platform", platform)
			}
			if project != "" {
				q.Set("project_id", project)
			}
			builds, err := api().ListBuilds(cmd.Context(), q.Encode())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(builds)
			}
			for _, b := range builds {
				fmt.Printf("%s  state=%-3d  %-12s %s\n", b.ID, b.CurrentState, b.Status, b.Platform)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform")
	cmd.Flags().StringVar(&project, "project", "", "filter by project ID")
	return cmd
}

func newBuildsStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <build-id>",
		Short: "Show a build's position and recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := api().GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Printf("Build   : %s\n", st.BuildID)
			fmt.Printf("State   : %d (%s)\n", st.CurrentState, st.Status)
			fmt.Printf("Retries : %d\n", st.RetryCount)
			for _, e := range st.History {
				line := fmt.Sprintf("  %s  state=%-3d %s", e.RecordedAt.Format("2006-01-02 15:04:05"), e.State, e.Status)
				if e.ErrorMessage != "" {
					line += "  " + e.ErrorMessage
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newTransitionCmd() *cobra.Command {
	var t client.Transition

	cmd := &cobra.Command{
		Use:   "transition <build-id>",
		Short: "Record a state transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := api().RecordTransition(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("Outcome : %s\n", res.Outcome)
			fmt.Printf("State   : %d (%s)\n", res.CurrentState, res.Status)
			if res.NextState != nil {
				fmt.Printf("Next    : %d\n", *res.NextState)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&t.State, "state", 0, "milestone state code (required)")
	cmd.Flags().StringVar(&t.Status, "status", "completed", "transition status (started, in_progress, completed, failed)")
	cmd.Flags().StringVar(&t.Message, "message", "", "progress message")
	cmd.Flags().StringVar(&t.ErrorMessage, "error", "", "error message (failed transitions)")
	cmd.Flags().StringVar(&t.ErrorCode, "error-code", "", "machine-readable error code")
	cmd.MarkFlagRequired("state")
	return cmd
}
