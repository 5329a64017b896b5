package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentbox",
	Short: "Container sandbox orchestrator with durable agent chat history",
	Long:  `agentbox provisions containerized coding-agent sandboxes and keeps a durable, queryable mirror of each agent's chat sessions.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
