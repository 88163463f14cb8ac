package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/civicsignal/billwatch/config"
	"github.com/civicsignal/billwatch/internal/pipeline"
	srv "github.com/civicsignal/billwatch/internal/server"
)

func main() {
	var configPath string
	var root = &cobra.Command{Use: "billwatch"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (optional)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server with the stage scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appconfig.LoadConfig(configPath)
			if serveAddr == "" {
				serveAddr = os.Getenv("BILLWATCH_HTTP_ADDR")
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appconfig.LoadConfig(configPath)
			return srv.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var run = &cobra.Command{
		Use:   "run [stage]",
		Short: "Run the pipeline once, starting at the given stage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appconfig.LoadConfig(configPath)
			stage := pipeline.StageCollect
			if len(args) == 1 {
				stage = pipeline.Stage(args[0])
			}
			switch stage {
			case pipeline.StageCollect, pipeline.StageFetch, pipeline.StageCategorize, pipeline.StageEmbed, pipeline.StageScore:
			default:
				return fmt.Errorf("unknown stage %q", args[0])
			}
			return srv.RunOnce(cfg, stage)
		},
	}

	root.AddCommand(serve, migrate, run)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
