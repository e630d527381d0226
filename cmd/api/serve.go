package main

import (
	pkgconfig "github.com/imamfahrudin/ai-api-middleware/pkg/config"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the middleware server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fiberlog.Info("Starting AI API middleware...")
	return pkgconfig.NewProxy(cfg).Run()
}
