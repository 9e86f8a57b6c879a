package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/supervisor"
)

var (
	flagPreview   bool
	flagNoPreview bool
	flagSimulate  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring the outlet's cameras",
	Run: func(cmd *cobra.Command, args []string) {
		runMonitor()
	},
}

func init() {
	runCmd.Flags().BoolVar(&flagPreview, "preview", false, "enable preview snapshots")
	runCmd.Flags().BoolVar(&flagNoPreview, "no-preview", false, "disable preview snapshots")
	runCmd.Flags().BoolVar(&flagSimulate, "simulate", false, "run against dev.video_files instead of live cameras")
}

func runMonitor() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the config file.
	if flagPreview {
		cfg.Camera.Preview = true
	}
	if flagNoPreview {
		cfg.Camera.Preview = false
	}
	if flagSimulate {
		cfg.Dev.Simulate = true
	}
	if cfg.Dev.Simulate && len(cfg.Dev.VideoFiles) == 0 {
		fmt.Fprintln(os.Stderr, "Simulation mode requires dev.video_files")
		os.Exit(1)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Printf("[Main] Fatal: %v", err)
		os.Exit(1)
	}
}
