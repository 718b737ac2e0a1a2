package system

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// AptManager drives apt-get and dpkg-query on a Debian-family host.
type AptManager struct {
	Logger *slog.Logger

	// run overrides command execution in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

var _ PackageManager = (*AptManager)(nil)

func (m *AptManager) UpdateCache(ctx context.Context) error {
	m.logger().Debug("updating package cache")
	if _, err := m.exec(ctx, "apt-get", "update"); err != nil {
		return fmt.Errorf("apt-get update: %w", err)
	}
	return nil
}

func (m *AptManager) Install(ctx context.Context, name string) error {
	m.logger().Debug("installing package", "package", name)
	if _, err := m.exec(ctx, "apt-get", "install", "-y", name); err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}
	return nil
}

func (m *AptManager) InstallLocal(ctx context.Context, path string) error {
	m.logger().Debug("installing local package", "path", path)
	if _, err := m.exec(ctx, "apt-get", "install", "-y", path); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}

func (m *AptManager) Purge(ctx context.Context, name string) error {
	installed, err := m.IsInstalled(ctx, name)
	if err != nil {
		return err
	}
	if !installed {
		return fmt.Errorf("purge %s: %w", name, ErrNotInstalled)
	}

	m.logger().Debug("purging package", "package", name)
	if _, err := m.exec(ctx, "apt-get", "purge", "-y", name); err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	return nil
}

func (m *AptManager) ListInstalled(ctx context.Context) ([]string, error) {
	out, err := m.exec(ctx, "dpkg-query", "-W", "-f", "${Package}\t${Status}\n")
	if err != nil {
		return nil, fmt.Errorf("query installed packages: %w", err)
	}

	var packages []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), "\t", 2)
		if len(fields) != 2 {
			continue
		}
		if strings.HasSuffix(fields[1], "installed") && !strings.Contains(fields[1], "not-installed") {
			packages = append(packages, fields[0])
		}
	}
	return packages, nil
}

func (m *AptManager) IsInstalled(ctx context.Context, name string) (bool, error) {
	out, err := m.exec(ctx, "dpkg-query", "-W", "-f", "${Status}", name)
	if err != nil {
		// dpkg-query exits nonzero both for packages the database has
		// never seen and for real query failures; only the former counts
		// as not installed.
		if strings.Contains(string(out), "no packages found") ||
			strings.Contains(err.Error(), "no packages found") {
			return false, nil
		}
		return false, fmt.Errorf("query %s: %w", name, err)
	}
	status := strings.TrimSpace(string(out))
	return strings.HasSuffix(status, "installed") && !strings.Contains(status, "not-installed"), nil
}

func (m *AptManager) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.run != nil {
		return m.run(ctx, name, args...)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), "DEBIAN_FRONTEND=noninteractive")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (m *AptManager) logger() *slog.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
