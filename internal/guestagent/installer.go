package guestagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloneprep/cloneprep/internal/system"
)

// AttemptResult records the outcome of a single install attempt.
type AttemptResult struct {
	Method    Method
	Succeeded bool
	Reason    string
}

// ErrAllAttemptsFailed is returned when every resolved install spec has
// been tried without success. A host left without guest integration is not
// safe to ship as a template, so callers treat this as fatal.
var ErrAllAttemptsFailed = errors.New("all install attempts failed")

// Installer executes resolved install specs strictly in order, stopping at
// the first success.
type Installer struct {
	Logger   *slog.Logger
	Packages system.PackageManager
	Services system.ServiceManager
	Releases system.ReleaseFetcher

	// DownloadDir receives fetched artifacts; a temp dir is used when
	// empty.
	DownloadDir string

	cacheUpdated bool
}

// Install tries the specs in order. It returns the per-attempt results and
// ErrAllAttemptsFailed when the list is exhausted without a success. Prior
// failed attempts are never rolled back; they are no-ops on the host.
func (i *Installer) Install(ctx context.Context, specs []InstallSpec) ([]AttemptResult, error) {
	if len(specs) == 0 {
		return nil, errors.New("no install specs resolved")
	}

	results := make([]AttemptResult, 0, len(specs))
	for _, spec := range specs {
		logger := i.logger().With("method", spec.Method, "ref", spec.PackageOrRepo)
		logger.Info("attempting guest agent install")

		err := i.attempt(ctx, spec)
		if err == nil {
			logger.Info("guest agent installed", "service", spec.ServiceName)
			results = append(results, AttemptResult{Method: spec.Method, Succeeded: true})
			return results, nil
		}

		logger.Warn("install attempt failed", "error", err)
		results = append(results, AttemptResult{Method: spec.Method, Reason: err.Error()})
	}

	return results, fmt.Errorf("%w after %d attempts", ErrAllAttemptsFailed, len(specs))
}

func (i *Installer) attempt(ctx context.Context, spec InstallSpec) error {
	switch spec.Method {
	case MethodRepo:
		return i.installFromRepo(ctx, spec)
	case MethodGitHub:
		return i.installFromGitHub(ctx, spec)
	default:
		return fmt.Errorf("install spec has non-concrete method %q", spec.Method)
	}
}

func (i *Installer) installFromRepo(ctx context.Context, spec InstallSpec) error {
	installed, err := i.Packages.IsInstalled(ctx, spec.PackageOrRepo)
	if err != nil {
		return err
	}
	if installed {
		if enabled, err := i.Services.IsEnabled(ctx, spec.ServiceName); err == nil && enabled {
			if active, err := i.Services.IsActive(ctx, spec.ServiceName); err == nil && active {
				i.logger().Debug("agent already installed and running", "package", spec.PackageOrRepo)
				return nil
			}
			return i.Services.Start(ctx, spec.ServiceName)
		}
		return i.Services.Enable(ctx, spec.ServiceName)
	}

	if !i.cacheUpdated {
		if err := i.Packages.UpdateCache(ctx); err != nil {
			return err
		}
		i.cacheUpdated = true
	}

	if err := i.Packages.Install(ctx, spec.PackageOrRepo); err != nil {
		return err
	}
	return i.Services.Enable(ctx, spec.ServiceName)
}

func (i *Installer) installFromGitHub(ctx context.Context, spec InstallSpec) error {
	artifactURL := spec.BaseURLOverride
	if artifactURL == "" {
		resolved, err := i.Releases.Resolve(ctx, spec.PackageOrRepo, spec.ReleaseTag)
		if err != nil {
			return err
		}
		artifactURL = resolved
	}

	destDir := i.DownloadDir
	if destDir == "" {
		tmp, err := os.MkdirTemp("", "cloneprep-agent-*")
		if err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		destDir = tmp
	}

	artifactPath, err := i.Releases.Download(ctx, artifactURL, destDir)
	if err != nil {
		return err
	}

	if err := i.Packages.InstallLocal(ctx, artifactPath); err != nil {
		return err
	}
	return i.Services.Enable(ctx, spec.ServiceName)
}

func (i *Installer) logger() *slog.Logger {
	if i != nil && i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}
