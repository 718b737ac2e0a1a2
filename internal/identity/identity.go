// Package identity invalidates machine-level and SSH host identity so
// every clone of the template regenerates fresh values on first boot.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cloneprep/cloneprep/internal/system"
)

// Resetter removes identity artifacts and arms regeneration for the next
// boot. Any failure here is fatal: a template with stale identity is the
// exact defect the pipeline exists to prevent.
type Resetter struct {
	Logger   *slog.Logger
	Services system.ServiceManager

	// MachineIDPath is the init system's machine identity file.
	MachineIDPath string
	// DBusMachineIDPath is the D-Bus machine identity location, kept as a
	// link to MachineIDPath.
	DBusMachineIDPath string
	// SSHKeyGlob matches the SSH host key files to delete.
	SSHKeyGlob string
	// RegenUnit is enabled but not started, so host keys regenerate on
	// the clone's first boot instead of being baked into the image.
	RegenUnit string
}

// Defaults for a Debian-family host.
const (
	DefaultMachineIDPath     = "/etc/machine-id"
	DefaultDBusMachineIDPath = "/var/lib/dbus/machine-id"
	DefaultSSHKeyGlob        = "/etc/ssh/ssh_host_*_key*"
)

// Run resets machine and SSH host identity. Absent artifacts are fine;
// the operation is idempotent.
func (r *Resetter) Run(ctx context.Context) error {
	logger := r.logger()

	machineID := r.machineIDPath()
	dbusID := r.dbusMachineIDPath()

	for _, path := range []string{machineID, dbusID} {
		if err := removeIfPresent(path); err != nil {
			return fmt.Errorf("remove machine identity %s: %w", path, err)
		}
	}

	keyGlob := r.SSHKeyGlob
	if keyGlob == "" {
		keyGlob = DefaultSSHKeyGlob
	}
	keys, err := filepath.Glob(keyGlob)
	if err != nil {
		return fmt.Errorf("match host keys %q: %w", keyGlob, err)
	}
	for _, key := range keys {
		if err := removeIfPresent(key); err != nil {
			return fmt.Errorf("remove host key %s: %w", key, err)
		}
	}
	logger.Info("host identity cleared", "host_keys_removed", len(keys))

	// An empty machine-id marks the identity as uninitialized; init fills
	// it in on first boot.
	if err := os.WriteFile(machineID, nil, 0o444); err != nil {
		return fmt.Errorf("recreate %s: %w", machineID, err)
	}
	if err := ensureLink(machineID, dbusID); err != nil {
		return err
	}

	if r.RegenUnit != "" {
		if err := r.Services.EnableOnly(ctx, r.RegenUnit); err != nil {
			return fmt.Errorf("arm host key regeneration: %w", err)
		}
		logger.Info("host key regeneration armed for next boot", "unit", r.RegenUnit)
	}
	return nil
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ensureLink points linkPath at target, tolerating an already-correct
// link.
func ensureLink(target, linkPath string) error {
	existing, err := os.Readlink(linkPath)
	if err == nil && existing == target {
		return nil
	}

	if err := removeIfPresent(linkPath); err != nil {
		return fmt.Errorf("replace %s: %w", linkPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("ensure %s: %w", filepath.Dir(linkPath), err)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("link %s -> %s: %w", linkPath, target, err)
	}
	return nil
}

func (r *Resetter) machineIDPath() string {
	if r.MachineIDPath != "" {
		return r.MachineIDPath
	}
	return DefaultMachineIDPath
}

func (r *Resetter) dbusMachineIDPath() string {
	if r.DBusMachineIDPath != "" {
		return r.DBusMachineIDPath
	}
	return DefaultDBusMachineIDPath
}

func (r *Resetter) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
