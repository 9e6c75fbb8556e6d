package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MorrisSimons/podcast-transcriber/internal/supervisor"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the transcription worker loop",
	Long:  `Runs the scheduler and recovery loops until a SIGINT/SIGTERM drains in-flight work.`,
	Run:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := backgroundContext()

	sup, err := supervisor.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start worker: %v\n", err)
		os.Exit(1)
	}

	code := sup.RunWorker(ctx)
	sup.Close()
	os.Exit(code)
}
