// Command transcribeworker runs the podcast transcription worker pool:
// worker (consume + transcribe + upload), enqueue-missing (producer
// scan), and service (OS service install/start/stop/uninstall/logs).
package main

import "github.com/MorrisSimons/podcast-transcriber/internal/cli"

func main() {
	cli.Execute()
}
