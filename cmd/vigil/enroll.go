package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/enroll"
	"vigil/internal/recognition"
)

var (
	flagTargetID string
	flagName     string
	flagSamples  int
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a target identity from the webcam",
	Run: func(cmd *cobra.Command, args []string) {
		runEnroll()
	},
}

func init() {
	enrollCmd.Flags().StringVar(&flagTargetID, "target-id", "", "stable identifier for the target (required)")
	enrollCmd.Flags().StringVar(&flagName, "name", "", "display name (defaults to target id)")
	enrollCmd.Flags().IntVar(&flagSamples, "samples", 10, "number of face samples to capture")
	enrollCmd.MarkFlagRequired("target-id")
}

func runEnroll() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	detector := recognition.NewHTTPDetector(cfg.Recognition.Endpoint, cfg.Recognition.DetSize)
	enroller, err := enroll.New(cfg, detector, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enrollment setup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	identity, err := enroller.Run(ctx, enroll.Options{
		TargetID: flagTargetID,
		Name:     flagName,
		Samples:  flagSamples,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enrollment failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Enrolled %s (%s) with %d samples\n",
		identity.Name, identity.TargetID, identity.Meta.NumSamples)
}
