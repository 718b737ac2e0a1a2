// Package config wires the finalizer's stages to their real host
// collaborators. The CLI calls these entry points; tests exercise the
// underlying packages with stubs instead.
package config

import (
	"context"
	"log/slog"

	"github.com/cloneprep/cloneprep/internal/finalize"
	"github.com/cloneprep/cloneprep/internal/guestagent"
	"github.com/cloneprep/cloneprep/internal/hostfacts"
	"github.com/cloneprep/cloneprep/internal/identity"
	"github.com/cloneprep/cloneprep/internal/logging"
	"github.com/cloneprep/cloneprep/internal/pkgprune"
	"github.com/cloneprep/cloneprep/internal/reclaim"
	"github.com/cloneprep/cloneprep/internal/setup"
	"github.com/cloneprep/cloneprep/internal/system"
)

// RunFinalize executes the full finalization pipeline using the
// configuration at configPath.
func RunFinalize(ctx context.Context, configPath string, logger *slog.Logger) (*finalize.Report, error) {
	logger = logging.Ensure(logger).With("component", "config.finalize")

	cfg, err := setup.Load(configPath)
	if err != nil {
		return nil, err
	}

	services, err := system.NewSystemdManager(ctx, logger.With("collaborator", "systemd"))
	if err != nil {
		return nil, err
	}
	defer services.Close()

	packages := &system.AptManager{Logger: logger.With("collaborator", "apt")}
	releases := system.NewGitHubFetcher(logger.With("collaborator", "github"))

	installer := &guestagent.Installer{
		Logger:   logger.With("service", "guest-agent"),
		Packages: packages,
		Services: services,
		Releases: releases,
	}

	method, err := guestagent.ParseMethod(cfg.Agent.Method)
	if err != nil {
		return nil, err
	}
	stageConfig := guestagent.StageConfig{
		Method:      method,
		Repository:  cfg.Agent.Repository,
		ReleaseTag:  cfg.Agent.ReleaseTag,
		BaseURL:     cfg.Agent.BaseURL,
		VBoxISOPath: cfg.Agent.VBoxISO,
		Enabled:     agentPlatformGate(cfg.Agent.Platforms),
	}

	orchestrator := &finalize.Orchestrator{
		Logger:    logger.With("service", "finalize"),
		Collector: newCollector(cfg, logger),
		Gates: finalize.Gates{
			GuestAgent: setup.StageEnabled(cfg.Stages.GuestAgent),
			Prune:      setup.StageEnabled(cfg.Stages.Prune),
			Identity:   setup.StageEnabled(cfg.Stages.Identity),
			Reclaim:    setup.StageEnabled(cfg.Stages.Reclaim),
		},
		SelectAgentStage: func(kind hostfacts.Kind) guestagent.GuestIntegrationStage {
			return guestagent.StageFor(kind, stageConfig, installer)
		},
		Pruner: &pkgprune.Pruner{
			Logger:   logger.With("service", "prune"),
			Packages: packages,
			Pattern:  cfg.Prune.Pattern,
		},
		Resetter: &identity.Resetter{
			Logger:    logger.With("service", "identity"),
			Services:  services,
			RegenUnit: cfg.Identity.RegenUnit,
		},
		Reclaimer: &reclaim.Reclaimer{
			Logger:         logger.With("service", "reclaim"),
			FillPath:       cfg.Reclaim.FillPath,
			BlockSize:      cfg.Reclaim.BlockSize,
			MaxBytes:       cfg.Reclaim.MaxBytes,
			DeleteAttempts: cfg.Reclaim.DeleteAttempts,
			DeleteDelay:    cfg.Reclaim.DeleteDelay.Std(),
		},
	}

	return orchestrator.Run(ctx)
}

// DetectPlatform collects host facts and returns the detection profile
// without mutating anything.
func DetectPlatform(ctx context.Context, configPath string, logger *slog.Logger) (hostfacts.Profile, error) {
	logger = logging.Ensure(logger).With("component", "config.detect")

	cfg, err := setup.Load(configPath)
	if err != nil {
		return hostfacts.Profile{}, err
	}

	return detectPlatform(ctx, cfg, logger)
}

func detectPlatform(ctx context.Context, cfg setup.Config, logger *slog.Logger) (hostfacts.Profile, error) {
	facts, err := newCollector(cfg, logger).Collect(ctx)
	if err != nil {
		return hostfacts.Profile{}, err
	}
	return hostfacts.Detect(facts), nil
}

// InstallAgent runs only the guest-agent stage for the detected platform.
func InstallAgent(ctx context.Context, configPath string, logger *slog.Logger) ([]guestagent.AttemptResult, error) {
	logger = logging.Ensure(logger).With("component", "config.agent")

	cfg, err := setup.Load(configPath)
	if err != nil {
		return nil, err
	}

	profile, err := detectPlatform(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	services, err := system.NewSystemdManager(ctx, logger.With("collaborator", "systemd"))
	if err != nil {
		return nil, err
	}
	defer services.Close()

	method, err := guestagent.ParseMethod(cfg.Agent.Method)
	if err != nil {
		return nil, err
	}

	installer := &guestagent.Installer{
		Logger:   logger.With("service", "guest-agent"),
		Packages: &system.AptManager{Logger: logger.With("collaborator", "apt")},
		Services: services,
		Releases: system.NewGitHubFetcher(logger.With("collaborator", "github")),
	}
	stage := guestagent.StageFor(profile.Kind, guestagent.StageConfig{
		Method:      method,
		Repository:  cfg.Agent.Repository,
		ReleaseTag:  cfg.Agent.ReleaseTag,
		BaseURL:     cfg.Agent.BaseURL,
		VBoxISOPath: cfg.Agent.VBoxISO,
		Enabled:     agentPlatformGate(cfg.Agent.Platforms),
	}, installer)
	if stage == nil {
		logger.Info("no integration stage selected", "kind", profile.Kind)
		return nil, nil
	}

	return stage.Run(ctx)
}

// agentPlatformGate turns the optional per-platform toggles into the gate
// StageFor consults.
func agentPlatformGate(platforms setup.AgentPlatformsConfig) func(hostfacts.Kind) bool {
	return func(kind hostfacts.Kind) bool {
		switch kind {
		case hostfacts.KindOVirtQemu:
			return setup.StageEnabled(platforms.Qemu)
		case hostfacts.KindVirtualBox:
			return setup.StageEnabled(platforms.VirtualBox)
		case hostfacts.KindVMware:
			return setup.StageEnabled(platforms.VMware)
		case hostfacts.KindParallels:
			return setup.StageEnabled(platforms.Parallels)
		case hostfacts.KindTart:
			return setup.StageEnabled(platforms.Tart)
		}
		return true
	}
}

// RunReclaim runs only the disk-reclaim stage.
func RunReclaim(ctx context.Context, configPath string, logger *slog.Logger) (*reclaim.State, error) {
	logger = logging.Ensure(logger).With("component", "config.reclaim")

	cfg, err := setup.Load(configPath)
	if err != nil {
		return nil, err
	}

	reclaimer := &reclaim.Reclaimer{
		Logger:         logger.With("service", "reclaim"),
		FillPath:       cfg.Reclaim.FillPath,
		BlockSize:      cfg.Reclaim.BlockSize,
		MaxBytes:       cfg.Reclaim.MaxBytes,
		DeleteAttempts: cfg.Reclaim.DeleteAttempts,
		DeleteDelay:    cfg.Reclaim.DeleteDelay.Std(),
	}
	return reclaimer.Run(ctx)
}

func newCollector(cfg setup.Config, logger *slog.Logger) hostfacts.Collector {
	return &hostfacts.HostCollector{
		Logger:         logger.With("collaborator", "hostfacts"),
		VBoxMarkerPath: cfg.Platform.VBoxMarker,
		OVirt:          cfg.Platform.OVirt,
		Tart:           cfg.Platform.Tart,
	}
}
