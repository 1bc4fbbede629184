// Package gfxtypes holds the data model shared by every core package:
// modes, vendors, hardware profile, configuration and the pending-state
// record that survives a reboot. None of these types touch the
// filesystem or the bus; they are the vocabulary the rest of the core
// is built from.
package gfxtypes

import "fmt"

// Mode identifies a graphics configuration the daemon can switch to.
// None means the dGPU controller is absent or unmanaged on this
// machine.
type Mode int

const (
	ModeNone Mode = iota
	ModeHybrid
	ModeIntegrated
	ModeVfio
	ModeCompute
	ModeAsusEgpu
	ModeAsusMuxDgpu
	ModeNvidiaNoModeset
)

var modeNames = map[Mode]string{
	ModeNone:            "none",
	ModeHybrid:          "hybrid",
	ModeIntegrated:      "integrated",
	ModeVfio:            "vfio",
	ModeCompute:         "compute",
	ModeAsusEgpu:        "asusegpu",
	ModeAsusMuxDgpu:     "asusmuxdgpu",
	ModeNvidiaNoModeset: "nvidianomodeset",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the mode name case-insensitively, per spec.md §6.3.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if equalFold(name, s) {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("gfxtypes: unrecognised mode %q", s)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Vendor identifies the discrete GPU's silicon vendor.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorNvidia
	VendorAmd
	VendorIntel
)

func (v Vendor) String() string {
	switch v {
	case VendorNvidia:
		return "Nvidia"
	case VendorAmd:
		return "AMD"
	case VendorIntel:
		return "Intel"
	default:
		return "Unknown"
	}
}

// VendorFromPCIID maps a PCI vendor ID (as found in the "vendor"
// sysfs attribute, e.g. "0x10de") to a Vendor.
func VendorFromPCIID(id uint16) Vendor {
	switch id {
	case 0x10DE:
		return VendorNvidia
	case 0x1002:
		return VendorAmd
	case 0x8086:
		return VendorIntel
	default:
		return VendorUnknown
	}
}

// PowerStatus reflects /sys/.../power/runtime_status for the dGPU.
type PowerStatus int

const (
	PowerUnknown PowerStatus = iota
	PowerActive
	PowerSuspended
	PowerOff
)

func (p PowerStatus) String() string {
	switch p {
	case PowerActive:
		return "active"
	case PowerSuspended:
		return "suspended"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

// HotplugType selects how the daemon detaches/reattaches the dGPU
// from the PCI bus.
type HotplugType int

const (
	HotplugNone HotplugType = iota
	HotplugStd
	HotplugAsus
)

func (h HotplugType) String() string {
	switch h {
	case HotplugStd:
		return "std"
	case HotplugAsus:
		return "asus"
	default:
		return "none"
	}
}

// RequiredUserAction is the minimal user-visible step needed before a
// transition can complete.
type RequiredUserAction int

const (
	ActionNothing RequiredUserAction = iota
	ActionLogout
	ActionReboot
	ActionSwitchMuxAndReboot
	ActionAsusEgpuDisable
)

func (a RequiredUserAction) String() string {
	switch a {
	case ActionLogout:
		return "logout"
	case ActionReboot:
		return "reboot"
	case ActionSwitchMuxAndReboot:
		return "switch-mux-and-reboot"
	case ActionAsusEgpuDisable:
		return "asus-egpu-disable"
	default:
		return "nothing"
	}
}

// DBDF is a PCI domain:bus:device.function address, e.g.
// "0000:01:00.0".
type DBDF string

// HardwareProfile is produced by the hardware probe at daemon init and
// on resume from suspend. It is immutable once built; a new probe
// produces a new value rather than mutating an old one.
type HardwareProfile struct {
	DgpuAddress     DBDF
	DgpuPresent     bool
	DgpuVendor      Vendor
	AsusDgpuDisable string // sysfs path, empty if absent
	AsusEgpuEnable  string
	AsusGpuMuxMode  string
	NvidiaModeset   bool
	Supported       map[Mode]bool
}

// SupportsMode reports whether m is in the supported set.
func (h *HardwareProfile) SupportsMode(m Mode) bool {
	return h != nil && h.Supported[m]
}

// Config is the typed configuration value the core consumes;
// persistence of the backing supergfxd.conf file is handled by
// internal/gfxconf, an external collaborator from the core's point of
// view.
type Config struct {
	Mode            Mode
	VfioEnable      bool
	VfioSave        bool
	AlwaysReboot    bool
	NoLogind        bool
	LogoutTimeoutS  uint64
	HotplugType     HotplugType
}

// DefaultLogoutTimeoutS is used when the config omits the field or
// its value does not parse; an explicit 0 is kept as is and means
// "wait forever". See spec.md §3.
const DefaultLogoutTimeoutS uint64 = 180

// PendingState is persisted so a reboot or logout can complete an
// in-flight transition on the next boot.
type PendingState struct {
	TargetMode     Mode
	RequiredAction RequiredUserAction
	SourceMode     Mode
}
