package plan

import "github.com/canonical/supergfxd/internal/gfxtypes"

// Result is the pure output of Plan: the ordered actions to run and
// the user-visible step required before (or instead of) running them.
type Result struct {
	Actions        []Action
	RequiredAction gfxtypes.RequiredUserAction
	// Deferred is true when the plan must be persisted and completed
	// on a future boot/logout rather than run now (spec.md §4.2).
	Deferred bool
}

// Plan compiles the action list for a from -> to transition. It never
// touches the filesystem; profile and cfg are snapshots the caller
// already obtained.
func Plan(from, to gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config) (Result, error) {
	if !profile.SupportsMode(to) {
		return Result{}, &gfxtypes.ErrUnsupported{Mode: to}
	}
	if from == to {
		return Result{RequiredAction: gfxtypes.ActionNothing}, nil
	}

	// AsusMuxDgpu and NvidiaNoModeset always defer to a reboot; they
	// are handled before the general override check because their
	// action list (the mux write itself) must still run now.
	switch to {
	case gfxtypes.ModeAsusMuxDgpu:
		actions := []Action{
			writeSysfs(profile.AsusGpuMuxMode, "0"),
			{Kind: PersistPending, PendingTarget: to, PendingAction: gfxtypes.ActionSwitchMuxAndReboot},
		}
		return Result{Actions: actions, RequiredAction: gfxtypes.ActionSwitchMuxAndReboot, Deferred: true}, nil
	case gfxtypes.ModeNvidiaNoModeset:
		actions := []Action{
			{Kind: PersistPending, PendingTarget: to, PendingAction: gfxtypes.ActionReboot},
		}
		return Result{Actions: actions, RequiredAction: gfxtypes.ActionReboot, Deferred: true}, nil
	}

	required, actions := planTransition(from, to, profile, cfg)

	if cfg != nil && cfg.AlwaysReboot || profile.NvidiaModeset {
		return Result{
			Actions:        []Action{{Kind: PersistPending, PendingTarget: to, PendingAction: gfxtypes.ActionReboot}},
			RequiredAction: gfxtypes.ActionReboot,
			Deferred:       true,
		}, nil
	}

	return Result{Actions: actions, RequiredAction: required}, nil
}

// TransitionActions compiles the same action list planTransition
// would produce for from -> to, without Plan's always_reboot/
// profile.NvidiaModeset/mux-target defer override. It exists for
// completing a transition whose deferring reboot has already
// happened: ResumeFromBoot already knows from a persisted
// PendingState that the defer decision was made and acted on in a
// previous boot, so re-running Plan here would just re-defer forever
// (spec.md §4.5's "execute the recorded plan").
func TransitionActions(from, to gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config) []Action {
	_, actions := planTransition(from, to, profile, cfg)
	return actions
}

func planTransition(from, to gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config) (gfxtypes.RequiredUserAction, []Action) {
	switch to {
	case gfxtypes.ModeIntegrated:
		return planToIntegrated(from, profile, cfg)
	case gfxtypes.ModeHybrid:
		return planToHybrid(from, profile, cfg)
	case gfxtypes.ModeVfio:
		return planToVfioOrCompute(from, profile, cfg, true)
	case gfxtypes.ModeCompute:
		return planToVfioOrCompute(from, profile, cfg, false)
	case gfxtypes.ModeAsusEgpu:
		return planToAsusEgpu(from, profile, cfg)
	default:
		return gfxtypes.ActionLogout, nil
	}
}

func planToIntegrated(from gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config) (gfxtypes.RequiredUserAction, []Action) {
	required := gfxtypes.ActionNothing
	if from == gfxtypes.ModeHybrid {
		required = gfxtypes.ActionLogout
	}

	var actions []Action
	for _, m := range driverModulesFor(profile.DgpuVendor) {
		actions = append(actions, unloadModule(m))
	}

	if cfg != nil && cfg.HotplugType == gfxtypes.HotplugAsus && profile.AsusDgpuDisable != "" {
		actions = append(actions, writeSysfs(profile.AsusDgpuDisable, "1"))
		actions = append(actions, waitSettle(500))
	} else {
		actions = append(actions, Action{Kind: PciRemove, Address: profile.DgpuAddress})
		actions = append(actions, waitSettle(150))
	}
	actions = append(actions, setRuntimePm(profile.DgpuAddress, "auto"))

	return required, actions
}

func planToHybrid(from gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config) (gfxtypes.RequiredUserAction, []Action) {
	required := gfxtypes.ActionLogout
	if from == gfxtypes.ModeHybrid {
		required = gfxtypes.ActionNothing
	}

	var actions []Action
	if cfg != nil && cfg.HotplugType == gfxtypes.HotplugAsus && profile.AsusDgpuDisable != "" {
		actions = append(actions, writeSysfs(profile.AsusDgpuDisable, "0"))
	}
	actions = append(actions, Action{Kind: PciRescan, Address: profile.DgpuAddress})
	for _, m := range reversed(driverModulesFor(profile.DgpuVendor)) {
		actions = append(actions, loadModule(m))
	}
	actions = append(actions, setRuntimePm(profile.DgpuAddress, "auto"))

	return required, actions
}

func planToVfioOrCompute(from gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config, bindVfio bool) (gfxtypes.RequiredUserAction, []Action) {
	required := gfxtypes.ActionNothing
	if from == gfxtypes.ModeHybrid {
		required = gfxtypes.ActionLogout
	}

	var actions []Action
	for _, m := range driverModulesFor(profile.DgpuVendor) {
		actions = append(actions, unloadModule(m))
	}

	if bindVfio {
		for _, m := range VfioModules {
			actions = append(actions, loadModule(m))
		}
		actions = append(actions, Action{Kind: DriverOverride, Address: profile.DgpuAddress, Driver: "vfio-pci"})
		actions = append(actions, Action{Kind: Unbind, Address: profile.DgpuAddress})
		actions = append(actions, Action{Kind: Bind, Address: profile.DgpuAddress, Driver: "vfio-pci"})
	} else {
		actions = append(actions, Action{Kind: Unbind, Address: profile.DgpuAddress})
	}
	actions = append(actions, setRuntimePm(profile.DgpuAddress, "auto"))

	return required, actions
}

// planToAsusEgpu always requires Logout: planTransition is only ever
// reached for from != to (Plan short-circuits the from == to case
// before calling it), so the "otherwise Logout" arm of spec.md §4.2's
// AsusEgpu row is the only one a caller can ever observe. This
// matches original_source/src/controller.rs, which has no per-mode
// eGPU switch check of its own (the physical mux precondition it does
// have, AsusGpuMuxDisable, gates every mode change, not just entry
// into AsusEgpu) — see DESIGN.md.
func planToAsusEgpu(from gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config) (gfxtypes.RequiredUserAction, []Action) {
	actions := []Action{
		writeSysfs(profile.AsusEgpuEnable, "1"),
		{Kind: PciRescan, Address: profile.DgpuAddress},
	}
	for _, m := range reversed(driverModulesFor(profile.DgpuVendor)) {
		actions = append(actions, loadModule(m))
	}
	actions = append(actions, setRuntimePm(profile.DgpuAddress, "auto"))

	return gfxtypes.ActionLogout, actions
}
