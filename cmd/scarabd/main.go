// Package main is the entry point for scarabd, the Scarab simulation
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/billdback/scarab/internal/buildinfo"
	"github.com/billdback/scarab/internal/scarab/eventlog"
	"github.com/billdback/scarab/internal/scarab/simulation"
	"github.com/billdback/scarab/internal/scarabconfig"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "run":
			runDaemon(*configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("scarabd - Scarab simulation daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Start the simulation and control server")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runDaemon(configPath string) {
	cfgPath, err := scarabconfig.FindConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	cfg, err := scarabconfig.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	level, _ := scarabconfig.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: scarabconfig.ReplaceLogLevelNames,
	}))

	sim, err := simulation.New(logger, simulation.Config{
		NumberSteps: cfg.NumberSteps,
		StepLength:  cfg.StepLength(),
		Host:        cfg.Host,
		Port:        cfg.Port,
		CommandBuf:  64,
	})
	if err != nil {
		logger.Error("failed to construct simulation", "error", err)
		os.Exit(1)
	}

	if cfg.EventLogger.Path != "" {
		evLog, err := eventlog.Open(logger, cfg.EventLogger.Path, cfg.EventLogger.Filter())
		if err != nil {
			logger.Error("failed to open event log, running without it", "path", cfg.EventLogger.Path, "error", err)
		} else {
			defer evLog.Close()
			sim.AddBroadcaster(evLog)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting scarabd", "host", cfg.Host, "port", cfg.Port, "number_steps", cfg.NumberSteps)
	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("simulation exited with error", "error", err)
		os.Exit(1)
	}
}
