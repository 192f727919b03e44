package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/isdmx/sandboxd/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd manages remote sandboxes and streams code execution over MCP.",
	Long: `sandboxd provisions remote sandboxes, runs code in them with live output
delivered over websockets, and deploys MCP servers into sandboxes. Its operations
are exposed as MCP tools over stdio or streamable HTTP.`,
	RunE:          runServer,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("sandboxd %s (commit: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file before reading the config")
	rootCmd.AddCommand(versionCmd)
}

func runServer(_ *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else {
		// A missing .env is fine; it only supplies defaults such as E2B_API_KEY.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app := newApp(cfg)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
