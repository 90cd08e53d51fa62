package main

import (
	"github.com/spf13/cobra"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hitl",
		Short:         "Human-in-the-loop orchestration for infrastructure agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"directory containing config.yaml (default: current directory)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newWorkflowCmd())
	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadWithPath(o.configPath)
	}
	return config.Load()
}
