package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"fiscalprint/internal/config"

	"github.com/kardianos/service"
)

var controlCommands = map[string]bool{
	"install":   true,
	"uninstall": true,
	"start":     true,
	"stop":      true,
	"restart":   true,
}

// program adapts the agent to the host service manager.
type program struct {
	configPath string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		if err := runAgent(ctx, p.configPath); err != nil {
			log.Printf("Agent stopped with error: %v", err)
			if !service.Interactive() {
				_ = s.Stop()
			}
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	// Services start outside the install directory.
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	svcCfg := serviceConfig(configPath)
	prg := &program{configPath: configPath}
	s, err := service.New(prg, svcCfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if len(os.Args) > 1 {
		return control(s, os.Args[1])
	}
	return s.Run()
}

func control(s service.Service, arg string) error {
	if arg == "status" {
		st, err := s.Status()
		if err != nil {
			return fmt.Errorf("service status: %w", err)
		}
		fmt.Printf("Service status: %s\n", statusName(st))
		return nil
	}
	if !controlCommands[arg] {
		return fmt.Errorf("unknown command %q (expected install, uninstall, start, stop, restart or status)", arg)
	}

	if err := service.Control(s, arg); err != nil {
		return fmt.Errorf("service %s: %w", arg, err)
	}
	fmt.Printf("Service %s: ok\n", arg)

	if arg == "install" {
		if err := service.Control(s, "start"); err != nil {
			return fmt.Errorf("service start: %w", err)
		}
		fmt.Println("Service start: ok")
	}
	return nil
}

// serviceConfig reads the service section when the config is loadable; the
// defaults are enough for install and uninstall.
func serviceConfig(configPath string) *service.Config {
	name, display, description := "FiscalPrintAgent", "Fiscal Print Agent", "Fiscal note print queue and local printer bridge"
	if cfg, err := config.Load(configPath); err == nil {
		name, display, description = cfg.Service.Name, cfg.Service.DisplayName, cfg.Service.Description
	}

	return &service.Config{
		Name:        name,
		DisplayName: display,
		Description: description,
		EnvVars:     map[string]string{"CONFIG_PATH": configPath},
		Option: service.KeyValue{
			"RunAtLoad":        true,
			"DelayedAutoStart": false,
			"StartType":        "automatic",
		},
	}
}

func statusName(st service.Status) string {
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
