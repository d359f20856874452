package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bldst/buildstate/pkg/client"
)

func newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage build artifacts",
	}
	cmd.AddCommand(newArtifactsRegisterCmd())
	cmd.AddCommand(newArtifactsListCmd())
	cmd.AddCommand(newArtifactsDeleteCmd())
	cmd.AddCommand(newArtifactsStatCmd())
	return cmd
}

func newArtifactsRegisterCmd() *cobra.Command {
	var req client.RegisterArtifactRequest

	cmd := &cobra.Command{
		Use:   "register <build-id>",
		Short: "Register an artifact produced at a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api().RegisterArtifact(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(a)
			}
			fmt.Printf("Registered artifact %s (%s at state %d)\n", a.ID, a.Name, a.StateCode)
			return nil
		},
	}

	cmd.Flags().IntVar(&req.StateCode, "state", 0, "milestone that produced the artifact (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "artifact name (required)")
	cmd.Flags().StringVar(&req.Type, "type", "", "artifact type (snapshot, image, config, ...)")
	cmd.Flags().StringVar(&req.Path, "path", "", "logical path")
	cmd.Flags().StringVar(&req.StorageBackend, "backend", "", "storage backend (s3, nfs, local)")
	cmd.Flags().StringVar(&req.StorageRegion, "region", "", "storage region")
	cmd.Flags().StringVar(&req.StorageBucket, "bucket", "", "storage bucket")
	cmd.Flags().StringVar(&req.StorageKey, "key", "", "storage object key")
	cmd.Flags().Int64Var(&req.SizeBytes, "size", 0, "size in bytes")
	cmd.Flags().StringVar(&req.Checksum, "checksum", "", "content checksum")
	cmd.Flags().StringVar(&req.ChecksumAlgorithm, "checksum-algo", "sha256", "checksum algorithm")
	cmd.Flags().BoolVar(&req.IsResumable, "resumable", false, "usable as a resume input")
	cmd.Flags().BoolVar(&req.IsFinal, "final", false, "final deliverable")
	cmd.MarkFlagRequired("state")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newArtifactsListCmd() *cobra.Command {
	var stateCode int
	var artifactType string
	var resumableOnly bool

	cmd := &cobra.Command{
		Use:   "list <build-id>",
		Short: "List a build's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if cmd.Flags().Changed("state") {
				q.Set("state_code", strconv.Itoa(stateCode))
			}
			if artifactType != "" {
				q.Set("type", artifactType)
			}
			if resumableOnly {
				q.Set("is_resumable", "true")
			}
			artifacts, err := api().ListArtifacts(cmd.Context(), args[0], q.Encode())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(artifacts)
			}
			for _, a := range artifacts {
				flags := ""
				if a.IsResumable {
					flags += " resumable"
				}
				if a.IsFinal {
					flags += " final"
				}
				fmt.Printf("%s  state=%-3d %-20s %s%s\n", a.ID, a.StateCode, a.Name, a.Type, flags)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&stateCode, "state", 0, "filter by milestone")
	cmd.Flags().StringVar(&artifactType, "type", "", "filter by type")
	cmd.Flags().BoolVar(&resumableOnly, "resumable", false, "only resumable artifacts")
	return cmd
}

func newArtifactsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <artifact-id>",
		Short: "Soft-delete an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().DeleteArtifact(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted artifact %s\n", args[0])
			return nil
		},
	}
}

func newArtifactsStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <artifact-id>",
		Short: "Check whether an artifact still exists in its object store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stat, err := api().StatArtifact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(stat)
			}
			if stat.Exists {
				fmt.Printf("%s exists (%d bytes, etag %s)\n", stat.ArtifactID, stat.SizeBytes, stat.ETag)
			} else {
				fmt.Printf("%s is missing from its object store\n", stat.ArtifactID)
			}
			return nil
		},
	}
}
