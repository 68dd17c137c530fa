package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	rootCmd    = &cobra.Command{
		Use:   "factoryd",
		Short: "Factory Agents - issue-to-PR automation",
		Long: `Factory Agents turns GitHub issues into pull requests. It clones the
repository, hands the issue to an autonomous coding agent, then commits,
pushes and opens a pull request with the result.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "factoryd server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
