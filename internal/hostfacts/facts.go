package hostfacts

import (
	"fmt"
	"strings"
)

// Kind identifies the virtualization platform a host runs on. Exactly one
// kind is selected per run; KindNone disables all hypervisor-specific work.
type Kind string

// Supported platform kinds.
const (
	KindNone       Kind = "none"
	KindOVirtQemu  Kind = "ovirt-qemu"
	KindVirtualBox Kind = "virtualbox"
	KindVMware     Kind = "vmware"
	KindParallels  Kind = "parallels"
	KindTart       Kind = "tart"
)

// Facts are the read-only host signals detection operates on.
type Facts struct {
	// VirtType is the virtualization type reported by the host,
	// e.g. "kvm", "vmware", "oracle".
	VirtType string
	// ProductName is the DMI product name string.
	ProductName string
	// SysVendor is the DMI system vendor string.
	SysVendor string
	// VBoxMarkerPresent reports whether the VirtualBox version marker
	// file exists.
	VBoxMarkerPresent bool
	// OVirt and Tart are explicit flags from configuration.
	OVirt bool
	Tart  bool
	// NICs lists network interface descriptors, recorded as evidence only.
	NICs []string
}

// Profile is the detection outcome: the selected kind plus the ordered
// signals consulted to reach it. Immutable once computed.
type Profile struct {
	Kind     Kind
	Evidence []string
}

// Detect selects the platform kind for the given facts. First match wins;
// each branch is evaluated independently and the function is pure, so
// equal facts always produce equal profiles.
func Detect(facts Facts) Profile {
	var evidence []string
	note := func(format string, args ...any) {
		evidence = append(evidence, fmt.Sprintf(format, args...))
	}

	if len(facts.NICs) > 0 {
		note("interfaces: %s", strings.Join(facts.NICs, ", "))
	}

	note("ovirt flag=%t", facts.OVirt)
	if facts.OVirt {
		return Profile{Kind: KindOVirtQemu, Evidence: evidence}
	}

	note("virtualbox marker present=%t", facts.VBoxMarkerPresent)
	if facts.VBoxMarkerPresent {
		return Profile{Kind: KindVirtualBox, Evidence: evidence}
	}

	note("virtualization type=%q", facts.VirtType)
	if strings.EqualFold(strings.TrimSpace(facts.VirtType), "vmware") {
		return Profile{Kind: KindVMware, Evidence: evidence}
	}

	note("product name=%q", facts.ProductName)
	if strings.Contains(facts.ProductName, "Parallels") {
		return Profile{Kind: KindParallels, Evidence: evidence}
	}

	note("tart flag=%t", facts.Tart)
	if facts.Tart {
		return Profile{Kind: KindTart, Evidence: evidence}
	}

	return Profile{Kind: KindNone, Evidence: evidence}
}
