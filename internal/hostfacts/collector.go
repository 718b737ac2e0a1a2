package hostfacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"
)

// Collector produces the facts detection runs on. Implementations must be
// read-only: collecting facts never mutates the host.
type Collector interface {
	Collect(ctx context.Context) (Facts, error)
}

// HostCollector gathers facts from the live host: DMI identity strings,
// the virtualization type reported by systemd-detect-virt, marker files,
// and network interface descriptors.
type HostCollector struct {
	Logger *slog.Logger

	// VBoxMarkerPath is the VirtualBox version marker file to probe.
	VBoxMarkerPath string
	// OVirt and Tart are passed through from configuration.
	OVirt bool
	Tart  bool

	// DMIPath overrides the DMI id directory, for tests.
	DMIPath string
}

const defaultDMIPath = "/sys/class/dmi/id"

func (c *HostCollector) Collect(ctx context.Context) (Facts, error) {
	logger := c.logger()

	dmiPath := c.DMIPath
	if dmiPath == "" {
		dmiPath = defaultDMIPath
	}

	facts := Facts{
		OVirt:       c.OVirt,
		Tart:        c.Tart,
		ProductName: readDMIField(dmiPath, "product_name"),
		SysVendor:   readDMIField(dmiPath, "sys_vendor"),
	}

	virtType, err := detectVirtType(ctx)
	if err != nil {
		logger.Debug("virtualization type unavailable", "error", err)
	}
	facts.VirtType = virtType

	if c.VBoxMarkerPath != "" {
		if _, err := os.Stat(c.VBoxMarkerPath); err == nil {
			facts.VBoxMarkerPresent = true
		} else if !errors.Is(err, os.ErrNotExist) {
			return Facts{}, fmt.Errorf("probe marker %s: %w", c.VBoxMarkerPath, err)
		}
	}

	nics, err := listInterfaces()
	if err != nil {
		logger.Debug("interface listing unavailable", "error", err)
	}
	facts.NICs = nics

	logger.Debug("collected host facts",
		"virt_type", facts.VirtType,
		"product_name", facts.ProductName,
		"sys_vendor", facts.SysVendor,
		"vbox_marker", facts.VBoxMarkerPresent,
	)
	return facts, nil
}

func (c *HostCollector) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func readDMIField(dir, field string) string {
	data, err := os.ReadFile(dir + "/" + field)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// detectVirtType asks systemd-detect-virt for the hypervisor name. The
// command exits nonzero on bare metal with output "none", which is not an
// error for our purposes.
func detectVirtType(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "systemd-detect-virt", "--vm").Output()
	virtType := strings.TrimSpace(string(out))
	if err != nil && virtType == "" {
		return "", fmt.Errorf("systemd-detect-virt: %w", err)
	}
	if virtType == "none" {
		return "", nil
	}
	return virtType, nil
}

func listInterfaces() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	var nics []string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Name == "lo" {
			continue
		}
		nics = append(nics, fmt.Sprintf("%s/%s", attrs.Name, attrs.HardwareAddr))
	}
	return nics, nil
}
