package guestagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type stubPackages struct {
	installed map[string]bool

	updateErr  error
	installErr map[string]error

	cacheUpdates  int
	installCalls  []string
	localInstalls []string
}

func (p *stubPackages) UpdateCache(ctx context.Context) error {
	p.cacheUpdates++
	return p.updateErr
}

func (p *stubPackages) Install(ctx context.Context, name string) error {
	p.installCalls = append(p.installCalls, name)
	if err := p.installErr[name]; err != nil {
		return err
	}
	if p.installed == nil {
		p.installed = map[string]bool{}
	}
	p.installed[name] = true
	return nil
}

func (p *stubPackages) InstallLocal(ctx context.Context, path string) error {
	p.localInstalls = append(p.localInstalls, path)
	return nil
}

func (p *stubPackages) Purge(ctx context.Context, name string) error { return nil }

func (p *stubPackages) ListInstalled(ctx context.Context) ([]string, error) { return nil, nil }

func (p *stubPackages) IsInstalled(ctx context.Context, name string) (bool, error) {
	return p.installed[name], nil
}

type stubServices struct {
	enabled map[string]bool
	active  map[string]bool

	enableErr   error
	enableCalls []string
	startCalls  []string
}

func (s *stubServices) Enable(ctx context.Context, unit string) error {
	s.enableCalls = append(s.enableCalls, unit)
	if s.enableErr != nil {
		return s.enableErr
	}
	if s.enabled == nil {
		s.enabled = map[string]bool{}
	}
	s.enabled[unit] = true
	return s.Start(ctx, unit)
}

func (s *stubServices) EnableOnly(ctx context.Context, unit string) error {
	s.enableCalls = append(s.enableCalls, unit)
	if s.enableErr != nil {
		return s.enableErr
	}
	if s.enabled == nil {
		s.enabled = map[string]bool{}
	}
	s.enabled[unit] = true
	return nil
}

func (s *stubServices) Start(ctx context.Context, unit string) error {
	s.startCalls = append(s.startCalls, unit)
	if s.active == nil {
		s.active = map[string]bool{}
	}
	s.active[unit] = true
	return nil
}

func (s *stubServices) IsEnabled(ctx context.Context, unit string) (bool, error) {
	return s.enabled[unit], nil
}

func (s *stubServices) IsActive(ctx context.Context, unit string) (bool, error) {
	return s.active[unit], nil
}

type stubReleases struct {
	resolveURL string
	resolveErr error

	downloadErr  error
	resolveCalls int
	downloads    []string
}

func (r *stubReleases) Resolve(ctx context.Context, repoRef, tag string) (string, error) {
	r.resolveCalls++
	return r.resolveURL, r.resolveErr
}

func (r *stubReleases) Download(ctx context.Context, url, destDir string) (string, error) {
	r.downloads = append(r.downloads, url)
	if r.downloadErr != nil {
		return "", r.downloadErr
	}
	path := filepath.Join(destDir, "agent.deb")
	if err := os.WriteFile(path, []byte("deb"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newTestInstaller(t *testing.T, packages *stubPackages, services *stubServices, releases *stubReleases) *Installer {
	t.Helper()
	return &Installer{
		Packages:    packages,
		Services:    services,
		Releases:    releases,
		DownloadDir: t.TempDir(),
	}
}

// Tart with method auto: the GitHub attempt fails with a network error, so
// the repository attempt runs and succeeds.
func TestInstallAutoFallsBackToRepo(t *testing.T) {
	packages := &stubPackages{}
	services := &stubServices{}
	releases := &stubReleases{resolveErr: errors.New("dial tcp: connection refused")}
	installer := newTestInstaller(t, packages, services, releases)

	specs, err := ResolveAttempts(MethodAuto, Source{
		RepoPackage: "tart-guest-agent",
		Repository:  "cirruslabs/tart-guest-agent",
		Service:     "tart-guest-agent.service",
	})
	if err != nil {
		t.Fatalf("ResolveAttempts: %v", err)
	}

	results, err := installer.Install(context.Background(), specs)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(results))
	}
	if results[0].Method != MethodGitHub || results[0].Succeeded {
		t.Fatalf("first attempt = %+v, want failed github", results[0])
	}
	if results[0].Reason == "" {
		t.Fatal("failed attempt must carry a reason")
	}
	if results[1].Method != MethodRepo || !results[1].Succeeded {
		t.Fatalf("second attempt = %+v, want successful repo", results[1])
	}
	if len(packages.installCalls) != 1 || packages.installCalls[0] != "tart-guest-agent" {
		t.Fatalf("install calls = %v", packages.installCalls)
	}
	if packages.cacheUpdates != 1 {
		t.Fatalf("cache updated %d times, want 1", packages.cacheUpdates)
	}
}

func TestInstallStopsAtFirstSuccess(t *testing.T) {
	packages := &stubPackages{}
	services := &stubServices{}
	releases := &stubReleases{resolveURL: "https://example.com/agent_amd64.deb"}
	installer := newTestInstaller(t, packages, services, releases)

	specs, err := ResolveAttempts(MethodAuto, Source{
		RepoPackage: "tart-guest-agent",
		Repository:  "cirruslabs/tart-guest-agent",
		Service:     "tart-guest-agent.service",
	})
	if err != nil {
		t.Fatalf("ResolveAttempts: %v", err)
	}

	results, err := installer.Install(context.Background(), specs)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(results))
	}
	if !results[0].Succeeded || results[0].Method != MethodGitHub {
		t.Fatalf("attempt = %+v", results[0])
	}
	if len(packages.installCalls) != 0 {
		t.Fatalf("repo install must not run after github success: %v", packages.installCalls)
	}
	if len(packages.localInstalls) != 1 {
		t.Fatalf("local installs = %v", packages.localInstalls)
	}
}

func TestInstallOverrideSkipsResolution(t *testing.T) {
	packages := &stubPackages{}
	services := &stubServices{}
	releases := &stubReleases{resolveErr: errors.New("resolution must not happen")}
	installer := newTestInstaller(t, packages, services, releases)

	specs := []InstallSpec{{
		Method:          MethodGitHub,
		PackageOrRepo:   "cirruslabs/tart-guest-agent",
		BaseURLOverride: "https://mirror.internal/agent_amd64.deb",
		ServiceName:     "tart-guest-agent.service",
	}}

	results, err := installer.Install(context.Background(), specs)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if releases.resolveCalls != 0 {
		t.Fatalf("resolver called %d times with override set", releases.resolveCalls)
	}
	if len(releases.downloads) != 1 || releases.downloads[0] != "https://mirror.internal/agent_amd64.deb" {
		t.Fatalf("downloads = %v", releases.downloads)
	}
	if !results[0].Succeeded {
		t.Fatalf("attempt = %+v", results[0])
	}
}

func TestInstallExhaustionIsFatal(t *testing.T) {
	packages := &stubPackages{installErr: map[string]error{"tart-guest-agent": errors.New("no candidate")}}
	services := &stubServices{}
	releases := &stubReleases{resolveErr: fmt.Errorf("tag not found")}
	installer := newTestInstaller(t, packages, services, releases)

	specs, err := ResolveAttempts(MethodAuto, Source{
		RepoPackage: "tart-guest-agent",
		Repository:  "cirruslabs/tart-guest-agent",
		Service:     "tart-guest-agent.service",
	})
	if err != nil {
		t.Fatalf("ResolveAttempts: %v", err)
	}

	results, err := installer.Install(context.Background(), specs)
	if !errors.Is(err, ErrAllAttemptsFailed) {
		t.Fatalf("expected ErrAllAttemptsFailed, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(results))
	}
	for _, result := range results {
		if result.Succeeded {
			t.Fatalf("no attempt should succeed: %+v", result)
		}
	}
}

func TestInstallAlreadyInstalledIsNoop(t *testing.T) {
	packages := &stubPackages{installed: map[string]bool{"qemu-guest-agent": true}}
	services := &stubServices{
		enabled: map[string]bool{"qemu-guest-agent.service": true},
		active:  map[string]bool{"qemu-guest-agent.service": true},
	}
	installer := newTestInstaller(t, packages, services, &stubReleases{})

	specs, err := ResolveAttempts(MethodRepo, Source{
		RepoPackage: "qemu-guest-agent",
		Service:     "qemu-guest-agent.service",
	})
	if err != nil {
		t.Fatalf("ResolveAttempts: %v", err)
	}

	results, err := installer.Install(context.Background(), specs)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !results[0].Succeeded {
		t.Fatalf("attempt = %+v", results[0])
	}
	if len(packages.installCalls) != 0 || packages.cacheUpdates != 0 {
		t.Fatalf("no package work expected: installs=%v cache=%d", packages.installCalls, packages.cacheUpdates)
	}
	if len(services.enableCalls) != 0 || len(services.startCalls) != 0 {
		t.Fatalf("no unit work expected: enable=%v start=%v", services.enableCalls, services.startCalls)
	}
}

func TestInstallEnabledButStoppedStartsService(t *testing.T) {
	packages := &stubPackages{installed: map[string]bool{"qemu-guest-agent": true}}
	services := &stubServices{enabled: map[string]bool{"qemu-guest-agent.service": true}}
	installer := newTestInstaller(t, packages, services, &stubReleases{})

	specs, err := ResolveAttempts(MethodRepo, Source{
		RepoPackage: "qemu-guest-agent",
		Service:     "qemu-guest-agent.service",
	})
	if err != nil {
		t.Fatalf("ResolveAttempts: %v", err)
	}

	results, err := installer.Install(context.Background(), specs)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !results[0].Succeeded {
		t.Fatalf("attempt = %+v", results[0])
	}
	if len(services.startCalls) != 1 || services.startCalls[0] != "qemu-guest-agent.service" {
		t.Fatalf("start calls = %v", services.startCalls)
	}
	if len(services.enableCalls) != 0 {
		t.Fatalf("re-enable not expected: %v", services.enableCalls)
	}
}

func TestStageForNoneReturnsNil(t *testing.T) {
	if stage := StageFor("none", StageConfig{}, &Installer{}); stage != nil {
		t.Fatalf("expected nil stage for none, got %s", stage.Name())
	}
}
