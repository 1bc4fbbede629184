// Package plan compiles a deterministic list of executor actions for
// a mode transition. It is a pure function of its inputs — no
// filesystem or bus access — so it can be exhaustively unit tested
// and its output compared byte-for-byte across calls (spec.md §8,
// invariant 1).
//
// Grounded on original_source/src/controller.rs::do_mode_setup_tasks
// (the ordering of module unload / rescan / bind) and the transition
// matrix in spec.md §4.2.
package plan

import "github.com/canonical/supergfxd/internal/gfxtypes"

// ActionKind discriminates the primitives the executor knows how to
// run. Kept as a tagged union (spec.md §9 design note) so the
// executor can dispatch by kind without the planner ever touching
// I/O.
type ActionKind int

const (
	LoadModule ActionKind = iota
	UnloadModule
	WriteSysfs
	PciRescan
	PciRemove
	DriverOverride
	Bind
	Unbind
	WaitSettle
	CheckNoGraphicalSessions
	SetRuntimePm
	PersistPending
)

func (k ActionKind) String() string {
	switch k {
	case LoadModule:
		return "LoadModule"
	case UnloadModule:
		return "UnloadModule"
	case WriteSysfs:
		return "WriteSysfs"
	case PciRescan:
		return "PciRescan"
	case PciRemove:
		return "PciRemove"
	case DriverOverride:
		return "DriverOverride"
	case Bind:
		return "Bind"
	case Unbind:
		return "Unbind"
	case WaitSettle:
		return "WaitSettle"
	case CheckNoGraphicalSessions:
		return "CheckNoGraphicalSessions"
	case SetRuntimePm:
		return "SetRuntimePm"
	case PersistPending:
		return "PersistPending"
	default:
		return "Unknown"
	}
}

// Action is a single executor primitive. Only the fields relevant to
// Kind are populated; the zero value of the rest is ignored.
type Action struct {
	Kind ActionKind

	Module  string // LoadModule / UnloadModule
	Path    string // WriteSysfs
	Data    string // WriteSysfs
	Address gfxtypes.DBDF // PciRescan / PciRemove / DriverOverride / Bind / Unbind
	Driver  string        // DriverOverride / Bind / Unbind
	Millis  int           // WaitSettle
	PmState string        // SetRuntimePm: "auto" | "on"

	PendingTarget gfxtypes.Mode
	PendingAction gfxtypes.RequiredUserAction
}

func waitSettle(ms int) Action { return Action{Kind: WaitSettle, Millis: ms} }

func unloadModule(name string) Action { return Action{Kind: UnloadModule, Module: name} }

func loadModule(name string) Action { return Action{Kind: LoadModule, Module: name} }

func writeSysfs(path, data string) Action {
	return Action{Kind: WriteSysfs, Path: path, Data: data}
}

func setRuntimePm(addr gfxtypes.DBDF, state string) Action {
	return Action{Kind: SetRuntimePm, Address: addr, PmState: state}
}

// NvidiaDriverModules lists the kernel modules that must be unloaded
// (in this order, leaves first) before the Nvidia dGPU can be
// detached, and loaded (reverse order) to bring it back.
var NvidiaDriverModules = []string{"nvidia_drm", "nvidia_modeset", "nvidia_uvm", "nvidia"}

// AmdDriverModules is the amdgpu equivalent; there is no dependency
// chain to unwind so it is a single module.
var AmdDriverModules = []string{"amdgpu"}

// VfioModules are loaded to bind the dGPU to vfio-pci.
var VfioModules = []string{"vfio", "vfio_pci", "vfio_iommu_type1"}

func driverModulesFor(vendor gfxtypes.Vendor) []string {
	switch vendor {
	case gfxtypes.VendorNvidia:
		return NvidiaDriverModules
	case gfxtypes.VendorAmd:
		return AmdDriverModules
	default:
		return nil
	}
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
