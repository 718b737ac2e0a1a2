package guestagent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cloneprep/cloneprep/internal/hostfacts"
)

// GuestIntegrationStage is the hypervisor-specific branch of the pipeline.
// One implementation exists per platform kind; the orchestrator selects
// exactly one from the detected profile.
type GuestIntegrationStage interface {
	Name() string
	Run(ctx context.Context) ([]AttemptResult, error)
}

// StageConfig carries the per-platform knobs a stage needs.
type StageConfig struct {
	// Method applies to platforms with multiple sources (Tart).
	Method Method
	// Repository, ReleaseTag and BaseURL configure GitHub-sourced agents.
	Repository string
	ReleaseTag string
	BaseURL    string
	// VBoxISOPath locates the guest additions image for VirtualBox.
	VBoxISOPath string
	// Enabled gates integration per platform; nil leaves every platform
	// enabled.
	Enabled func(kind hostfacts.Kind) bool
}

// StageFor returns the integration stage for the detected kind, or nil
// when the kind is KindNone or its integration is disabled.
func StageFor(kind hostfacts.Kind, cfg StageConfig, installer *Installer) GuestIntegrationStage {
	if cfg.Enabled != nil && !cfg.Enabled(kind) {
		return nil
	}
	switch kind {
	case hostfacts.KindOVirtQemu:
		return &repoStage{
			name:      "guest-agent/qemu",
			installer: installer,
			source:    Source{RepoPackage: "qemu-guest-agent", Service: "qemu-guest-agent.service"},
		}
	case hostfacts.KindVMware:
		return &repoStage{
			name:      "guest-agent/vmware",
			installer: installer,
			source:    Source{RepoPackage: "open-vm-tools", Service: "open-vm-tools.service"},
		}
	case hostfacts.KindParallels:
		return &repoStage{
			name:      "guest-agent/parallels",
			installer: installer,
			source:    Source{RepoPackage: "parallels-tools", Service: "prltoolsd.service"},
		}
	case hostfacts.KindVirtualBox:
		return &vboxStage{
			installer: installer,
			isoPath:   cfg.VBoxISOPath,
		}
	case hostfacts.KindTart:
		return &tartStage{
			installer: installer,
			method:    cfg.Method,
			source: Source{
				RepoPackage: "tart-guest-agent",
				Repository:  cfg.Repository,
				ReleaseTag:  cfg.ReleaseTag,
				BaseURL:     cfg.BaseURL,
				Service:     "tart-guest-agent.service",
			},
		}
	default:
		return nil
	}
}

// repoStage installs a platform agent from the OS package repository.
type repoStage struct {
	name      string
	installer *Installer
	source    Source
}

func (s *repoStage) Name() string { return s.name }

func (s *repoStage) Run(ctx context.Context) ([]AttemptResult, error) {
	specs, err := ResolveAttempts(MethodRepo, s.source)
	if err != nil {
		return nil, err
	}
	return s.installer.Install(ctx, specs)
}

// tartStage installs the Tart guest agent using the configured method,
// falling back from GitHub releases to the repository under "auto".
type tartStage struct {
	installer *Installer
	method    Method
	source    Source
}

func (s *tartStage) Name() string { return "guest-agent/tart" }

func (s *tartStage) Run(ctx context.Context) ([]AttemptResult, error) {
	specs, err := ResolveAttempts(s.method, s.source)
	if err != nil {
		return nil, err
	}
	return s.installer.Install(ctx, specs)
}

// vboxStage installs the VirtualBox guest additions by extracting the
// installer from the additions ISO and running it, then enabling the
// vboxadd unit.
type vboxStage struct {
	installer *Installer
	isoPath   string

	// run overrides installer execution in tests.
	run func(ctx context.Context, path string) error
}

const vboxInstallerName = "VBoxLinuxAdditions.run"

func (s *vboxStage) Name() string { return "guest-agent/virtualbox" }

func (s *vboxStage) Run(ctx context.Context) ([]AttemptResult, error) {
	result := AttemptResult{Method: MethodISO}

	if enabled, err := s.installer.Services.IsEnabled(ctx, "vboxadd.service"); err == nil && enabled {
		s.installer.logger().Debug("guest additions already installed")
		result.Succeeded = true
		return []AttemptResult{result}, nil
	}

	if err := s.installAdditions(ctx); err != nil {
		result.Reason = err.Error()
		return []AttemptResult{result}, fmt.Errorf("%w after 1 attempts", ErrAllAttemptsFailed)
	}

	if err := s.installer.Services.Enable(ctx, "vboxadd.service"); err != nil {
		result.Reason = err.Error()
		return []AttemptResult{result}, fmt.Errorf("%w after 1 attempts", ErrAllAttemptsFailed)
	}

	result.Succeeded = true
	return []AttemptResult{result}, nil
}

func (s *vboxStage) installAdditions(ctx context.Context) error {
	stagingDir, err := os.MkdirTemp("", "cloneprep-vbox-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	installerPath, err := extractFromISO(s.isoPath, vboxInstallerName, stagingDir)
	if err != nil {
		return err
	}
	if err := os.Chmod(installerPath, 0o755); err != nil {
		return fmt.Errorf("mark installer executable: %w", err)
	}

	if s.run != nil {
		return s.run(ctx, installerPath)
	}

	cmd := exec.CommandContext(ctx, installerPath, "--nox11")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("run guest additions installer: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// extractFromISO copies a single file out of an ISO image without mounting
// a loop device.
func extractFromISO(isoPath, fileName, destDir string) (string, error) {
	iso, err := os.Open(isoPath)
	if err != nil {
		return "", fmt.Errorf("open ISO %s: %w", isoPath, err)
	}
	defer iso.Close()

	image, err := iso9660.OpenImage(iso)
	if err != nil {
		return "", fmt.Errorf("read ISO %s: %w", isoPath, err)
	}
	root, err := image.RootDir()
	if err != nil {
		return "", fmt.Errorf("read ISO root: %w", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return "", fmt.Errorf("list ISO root: %w", err)
	}

	for _, child := range children {
		// ISO9660 directory records may carry a ";1" version suffix and
		// differ in case from the authored name.
		name := strings.TrimSuffix(child.Name(), ";1")
		if child.IsDir() || !strings.EqualFold(name, fileName) {
			continue
		}

		destPath := filepath.Join(destDir, fileName)
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", destPath, err)
		}
		if _, err := io.Copy(out, child.Reader()); err != nil {
			out.Close()
			return "", fmt.Errorf("extract %s: %w", fileName, err)
		}
		if err := out.Close(); err != nil {
			return "", fmt.Errorf("finalize %s: %w", destPath, err)
		}
		return destPath, nil
	}
	return "", fmt.Errorf("%s not found in %s", fileName, isoPath)
}
