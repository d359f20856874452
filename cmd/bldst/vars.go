package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bldst/buildstate/pkg/client"
)

func newVarsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vars",
		Short: "Manage build variables",
	}
	cmd.AddCommand(newVarsSetCmd())
	cmd.AddCommand(newVarsListCmd())
	return cmd
}

func newVarsSetCmd() *cobra.Command {
	var req client.SetVariableRequest

	cmd := &cobra.Command{
		Use:   "set <build-id> <key> <value>",
		Short: "Set or replace a build variable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Value = args[2]
			v, err := api().SetVariable(cmd.Context(), args[0], args[1], req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(v)
			}
			// the server masks sensitive values in its response
			fmt.Printf("Set %s=%s\n", v.Key, v.Value)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Type, "type", "string", "value type")
	cmd.Flags().IntVar(&req.SetAtState, "state", 0, "milestone the value was set at")
	cmd.Flags().BoolVar(&req.IsSensitive, "sensitive", false, "mask the value in API responses")
	cmd.Flags().BoolVar(&req.IsRequiredForResume, "required-for-resume", false, "resume contexts need this variable")
	return cmd
}

func newVarsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <build-id>",
		Short: "List a build's variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := api().ListVariables(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(vars)
			}
			for _, v := range vars {
				marker := ""
				if v.IsRequiredForResume {
					marker = " (required for resume)"
				}
				fmt.Printf("%-30s %s%s\n", v.Key, v.Value, marker)
			}
			return nil
		},
	}
}
