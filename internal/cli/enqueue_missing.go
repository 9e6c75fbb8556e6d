package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MorrisSimons/podcast-transcriber/internal/supervisor"
)

var enqueuePrefix string

var enqueueMissingCmd = &cobra.Command{
	Use:   "enqueue-missing",
	Short: "Scan object storage and enqueue audio keys missing a transcript",
	Run:   runEnqueueMissing,
}

func init() {
	enqueueMissingCmd.Flags().StringVar(&enqueuePrefix, "prefix", "", "key prefix to scan (default: the whole bucket)")
	rootCmd.AddCommand(enqueueMissingCmd)
}

func runEnqueueMissing(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := backgroundContext()

	sup, err := supervisor.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start producer: %v\n", err)
		os.Exit(1)
	}
	defer sup.Close()

	res, err := sup.RunEnqueueMissing(ctx, enqueuePrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("scanned %d keys, enqueued %d\n", res.Scanned, res.Enqueued)
}
