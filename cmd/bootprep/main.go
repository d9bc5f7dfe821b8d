package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/josiahkernel/bootprep/internal/bootloader"
	"github.com/josiahkernel/bootprep/internal/common"
	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/drivers"
	"github.com/josiahkernel/bootprep/internal/hardware"
	"github.com/josiahkernel/bootprep/internal/initramfs"
	"github.com/josiahkernel/bootprep/internal/orchestrator"
	"github.com/josiahkernel/bootprep/internal/secureboot"
)

const defaultConfigFile = "/etc/bootprep/bootprep.toml"

func main() {
	var (
		configFile string
		stateDir   string
		dryRun     bool
		useJournal bool
		jsonLog    bool
		verbose    bool
	)
	flag.StringVar(&configFile, "config", defaultConfigFile, "Path to the orchestration configuration")
	flag.StringVar(&stateDir, "state-dir", "", "Override the state directory from the configuration")
	flag.BoolVar(&dryRun, "dry-run", false, "Stop cleanly before the first stage that mutates target storage")
	flag.BoolVar(&useJournal, "journal", false, "Also log to the systemd journal")
	flag.BoolVar(&jsonLog, "json", false, "Log in JSON format")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if jsonLog {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if useJournal {
		logrus.AddHook(&common.JournalHook{})
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		logrus.Fatalf("Could not load config file '%s': %v", configFile, err)
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}

	runLogDir := filepath.Join(cfg.StateDir, "runs")
	for _, dir := range []string{cfg.StateDir, runLogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logrus.Fatalf("Could not create state directory %s: %v", dir, err)
		}
	}

	orch := buildOrchestrator(cfg, runLogDir, dryRun)

	// SIGINT/SIGTERM abort the run cleanly as long as no mutating
	// stage has started; after that the pipeline runs to completion.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	result, err := orch.Run(ctx)
	if err != nil {
		logrus.WithError(err).Error("boot orchestration failed")
		os.Exit(1)
	}
	if result.State.Aborted {
		logrus.Warn("run stopped before completing")
		return
	}
	if result.Install != nil {
		logrus.WithFields(logrus.Fields{
			"variant":   result.Install.Variant.String(),
			"initramfs": result.Image.Path,
			"run":       result.State.ID,
		}).Info("target is ready to boot")
	}
}

func loadConfig(path string) (*config.KernelConfig, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) && path == defaultConfigFile {
		logrus.Info("no configuration file found, using defaults")
		return config.Default(), nil
	}
	return nil, err
}

func buildOrchestrator(cfg *config.KernelConfig, runLogDir string, dryRun bool) *orchestrator.Orchestrator {
	profiler := hardware.NewProfiler()
	if override, err := hardware.ParseFirmwareInterface(cfg.FirmwareOverride); err == nil {
		profiler.FirmwareOverride = override
	}

	bootDir := filepath.Join(cfg.TargetRoot, "boot")
	return &orchestrator.Orchestrator{
		Profiler:    profiler,
		Locator:     disk.NewLocator(disk.NewBlkidScanner()),
		Provisioner: secureboot.NewProvisioner(secureboot.NewLocalCrypto(filepath.Join(cfg.StateDir, "keys"))),
		Resolver:    drivers.NewResolver(drivers.NewHTTPFetcher(filepath.Join(cfg.StateDir, "drivers"), cfg.DelegateTimeout.Unwrap())),
		Builder:     initramfs.NewBuilder(bootDir),
		Installer:   bootloader.NewInstaller(bootloader.NewGrubLoader(bootDir), filepath.Join(bootDir, "loader", "entries")),
		Partitioner: disk.ExecPartitioner{},
		Shell:       orchestrator.BusyboxShell{},
		Config:      cfg,
		RunLogDir:   runLogDir,

		StopBeforeMutation: dryRun,
	}
}
