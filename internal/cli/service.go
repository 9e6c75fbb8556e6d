package cli

import (
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/supervisor"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the worker as a background OS service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the worker as a background service",
	Run:   runServiceInstall,
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the installed worker service",
	Run:   runServiceStart,
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker service",
	Run:   runServiceStop,
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the worker service",
	Run:   runServiceUninstall,
}

var serviceLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail the service log file",
	Run:   runServiceLogs,
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd, serviceStartCmd, serviceStopCmd, serviceUninstallCmd, serviceLogsCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(serviceRunCmd)
}

// program adapts a Supervisor to kardianos/service's Start/Stop
// contract: Start must not block, so the worker loop runs on its own
// goroutine.
type program struct {
	sup  *supervisor.Supervisor
	done chan struct{}
}

func (p *program) Start(s service.Service) error {
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.sup.RunWorker(backgroundContext())
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.done != nil {
		<-p.done
	}
	return p.sup.Close()
}

func serviceConfig() *service.Config {
	ex, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve executable path: %v", err)
	}
	return &service.Config{
		Name:        "transcribeworker",
		DisplayName: "Podcast Transcription Worker",
		Description: "Consumes audio keys from the broker stream and uploads transcripts back to object storage.",
		Executable:  ex,
		Arguments:   []string{"service-run"},
	}
}

// serviceRunCmd is the hidden entry point the installed OS service
// invokes; the service manager owns its stdio.
var serviceRunCmd = &cobra.Command{
	Use:    "service-run",
	Hidden: true,
	Run:    runServiceRun,
}

func runServiceRun(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	sup, err := supervisor.New(backgroundContext(), cfg)
	if err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}

	prg := &program{sup: sup}
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		log.Fatalf("failed to create service: %v", err)
	}

	sysLog, err := s.Logger(nil)
	if err != nil {
		log.Printf("failed to attach system logger: %v", err)
	} else {
		_ = sysLog.Info("transcribeworker service starting")
	}

	if err := s.Run(); err != nil {
		if sysLog != nil {
			_ = sysLog.Error(err)
		}
		log.Fatalf("service failed: %v", err)
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) {
	s, err := service.New(&program{}, serviceConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Install(); err != nil {
		log.Fatalf("install failed: %v", err)
	}
	fmt.Println("service installed")
}

func runServiceStart(cmd *cobra.Command, args []string) {
	s, err := service.New(&program{}, serviceConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Start(); err != nil {
		log.Fatalf("start failed: %v", err)
	}
	fmt.Println("service started")
}

func runServiceStop(cmd *cobra.Command, args []string) {
	s, err := service.New(&program{}, serviceConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		log.Fatalf("stop failed: %v", err)
	}
	fmt.Println("service stopped")
}

func runServiceUninstall(cmd *cobra.Command, args []string) {
	s, err := service.New(&program{}, serviceConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Uninstall(); err != nil {
		log.Fatalf("uninstall failed: %v", err)
	}
	fmt.Println("service uninstalled")
}

func serviceLogPath() string {
	return "/var/log/transcribeworker.log"
}

func runServiceLogs(cmd *cobra.Command, args []string) {
	path := serviceLogPath()
	fmt.Printf("tailing %s (Ctrl-C to stop)\n", path)

	c := exec.Command("tail", "-f", path)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		fmt.Printf("error tailing logs: %v\n", err)
	}
}
