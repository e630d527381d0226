package main

import (
	"context"
	"fmt"
	"os"

	"github.com/imamfahrudin/ai-api-middleware/internal/config"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "AI API middleware - key rotating proxy for the Gemini API",
	Long: `AI API middleware sits between clients and the Gemini API.

It holds a pool of API keys, rotates requests across them, rests keys that
are rate limited and disables keys that are rejected. Both the native Gemini
routes and the OpenAI compatible routes are forwarded.

Running without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}

// loadConfig reads the env files and the YAML config. A missing config file
// yields the defaults, which carry no server.port: the key commands run on them
// but serve stops at validation.
func loadConfig() (*config.Config, error) {
	config.LoadEnvFiles(config.DefaultEnvFiles)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("Config file %s not found, using defaults\n", cfgFile)
		return config.Default(), nil
	}

	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
