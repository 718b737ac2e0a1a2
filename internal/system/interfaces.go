// Package system provides the host collaborators the finalizer drives:
// the package manager, the service manager, and the release-artifact
// fetcher. The core packages depend only on the interfaces here, so tests
// substitute stubs without touching a live host.
package system

import (
	"context"
	"errors"
)

// ErrNotInstalled reports that a package operation targeted a package the
// database does not know as installed.
var ErrNotInstalled = errors.New("package not installed")

// ErrReleaseNotFound reports that a release reference or tag does not
// resolve, as distinct from a transport failure reaching the release host.
var ErrReleaseNotFound = errors.New("release not found")

// PackageManager abstracts the OS package manager. Install is idempotent:
// installing an already-installed package succeeds.
type PackageManager interface {
	UpdateCache(ctx context.Context) error
	Install(ctx context.Context, name string) error
	InstallLocal(ctx context.Context, path string) error
	// Purge removes a package and its configuration. It returns
	// ErrNotInstalled when the package is already absent.
	Purge(ctx context.Context, name string) error
	ListInstalled(ctx context.Context) ([]string, error)
	IsInstalled(ctx context.Context, name string) (bool, error)
}

// ServiceManager abstracts the init system's unit control. EnableOnly
// exists so a unit can be armed for next boot without running now.
type ServiceManager interface {
	// Enable enables and starts a unit.
	Enable(ctx context.Context, unit string) error
	// EnableOnly enables a unit without starting it.
	EnableOnly(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	IsEnabled(ctx context.Context, unit string) (bool, error)
	IsActive(ctx context.Context, unit string) (bool, error)
}

// ReleaseFetcher resolves and downloads versioned release artifacts.
type ReleaseFetcher interface {
	// Resolve turns a repository reference plus tag (or "latest") into a
	// downloadable artifact URL. Unresolvable references yield
	// ErrReleaseNotFound.
	Resolve(ctx context.Context, repoRef, tag string) (string, error)
	// Download fetches url into destDir and returns the local path.
	Download(ctx context.Context, url, destDir string) (string, error)
}
