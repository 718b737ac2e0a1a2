// Package guestagent installs hypervisor guest integration with ordered
// multi-source fallback: configured method "auto" tries a versioned GitHub
// release first and degrades to the OS package repository.
package guestagent

import (
	"fmt"
	"strings"
)

// Method names a concrete install source, or Auto which expands into an
// ordered attempt list at resolution time.
type Method string

const (
	MethodRepo   Method = "repo"
	MethodGitHub Method = "github"
	MethodAuto   Method = "auto"
	// MethodISO labels installs sourced from a local media image, such as
	// the VirtualBox guest additions. It is never a configured method.
	MethodISO Method = "iso"
)

// ParseMethod validates a configured method string.
func ParseMethod(value string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(value))) {
	case MethodRepo:
		return MethodRepo, nil
	case MethodGitHub:
		return MethodGitHub, nil
	case MethodAuto, Method(""):
		return MethodAuto, nil
	default:
		return "", fmt.Errorf("unknown install method %q", value)
	}
}

// InstallSpec fully determines one install attempt. Method is always a
// concrete source, never Auto.
type InstallSpec struct {
	Method Method
	// PackageOrRepo is a package name for repo attempts or an
	// owner/repository reference for GitHub attempts.
	PackageOrRepo string
	// ReleaseTag selects a GitHub release; empty means "latest".
	ReleaseTag string
	// BaseURLOverride, when set, is used verbatim as the artifact URL and
	// suppresses release resolution entirely.
	BaseURLOverride string
	// ServiceName is the unit enabled after install.
	ServiceName string
}

// Source describes where an agent can come from; the resolver turns it
// plus the configured method into the ordered attempt list.
type Source struct {
	// RepoPackage is the distribution package name.
	RepoPackage string
	// Repository is the upstream owner/repository releases reference.
	Repository string
	ReleaseTag string
	BaseURL    string
	Service    string
}

// ResolveAttempts expands the configured method into the ordered list of
// concrete install specs the installer will attempt.
func ResolveAttempts(method Method, source Source) ([]InstallSpec, error) {
	repoSpec := InstallSpec{
		Method:        MethodRepo,
		PackageOrRepo: source.RepoPackage,
		ServiceName:   source.Service,
	}
	githubSpec := InstallSpec{
		Method:          MethodGitHub,
		PackageOrRepo:   source.Repository,
		ReleaseTag:      releaseTag(source.ReleaseTag),
		BaseURLOverride: source.BaseURL,
		ServiceName:     source.Service,
	}

	switch method {
	case MethodRepo:
		return []InstallSpec{repoSpec}, nil
	case MethodGitHub:
		return []InstallSpec{githubSpec}, nil
	case MethodAuto:
		return []InstallSpec{githubSpec, repoSpec}, nil
	default:
		return nil, fmt.Errorf("cannot resolve install method %q", method)
	}
}

func releaseTag(tag string) string {
	if strings.TrimSpace(tag) == "" {
		return "latest"
	}
	return tag
}
