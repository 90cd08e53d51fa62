package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflow definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow definition file and print its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			printDefinition(cmd.OutOrStdout(), def)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in workflow definition",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printDefinition(cmd.OutOrStdout(), workflow.DefaultDefinition())
		},
	})
	return cmd
}

func printDefinition(w io.Writer, def *workflow.Definition) {
	for _, p := range def.Phases {
		fmt.Fprintf(w, "%s\n", p.Name)
		for _, a := range p.Agents {
			optional := ""
			if a.Optional {
				optional = " (optional)"
			}
			fmt.Fprintf(w, "  %s: %s%s\n", a.Name, a.StepName(), optional)
		}
	}
}
