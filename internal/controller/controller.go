// Package controller implements the mode state machine from spec.md
// §4.5: it owns the single in-flight-transition invariant, resolves
// the RequiredUserAction for a request, persists pending state across
// reboots, and delegates the actual work to internal/exec.
//
// Grounded on overlord/state.TaskRunner's discipline of a single
// owning goroutine mutating state under lock, and on
// original_source/src/controller.rs::set_gfx_mode /
// setup_mode_change_thread for the logout-wait-then-execute flow.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/canonical/supergfxd/internal/exec"
	"github.com/canonical/supergfxd/internal/gfxtypes"
	"github.com/canonical/supergfxd/internal/hwprobe"
	"github.com/canonical/supergfxd/internal/plan"
	"github.com/canonical/supergfxd/internal/session"
	"github.com/canonical/supergfxd/internal/sysfsio"
	"github.com/canonical/supergfxd/logger"
)

// State is one of the four values from spec.md §4.5.
type State int

const (
	Idle State = iota
	PendingUserAction
	Switching
	Failed
)

func (s State) String() string {
	switch s {
	case PendingUserAction:
		return "pending-user-action"
	case Switching:
		return "switching"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// ConfigStore is the persistence boundary for Config (spec.md §2
// component 7); the core depends only on this interface.
type ConfigStore interface {
	Save(cfg *gfxtypes.Config) error
}

// PendingStore persists (or clears) the pending transition record so
// it survives a daemon restart or reboot.
type PendingStore interface {
	Save(p *gfxtypes.PendingState) error
	Clear() error
	Load() (*gfxtypes.PendingState, bool, error)
}

// Notifier emits the signals from spec.md §6.2, plus NotifyError for
// an asynchronous failure that occurs after the RPC call that started
// it has already returned (spec.md §7's LogoutTimedOut is currently
// the only such case: SetMode already returned ActionLogout by the
// time the wait times out in a background goroutine).
type Notifier interface {
	NotifyGfx(gfxtypes.Mode)
	NotifyAction(gfxtypes.RequiredUserAction)
	NotifyGfxStatus(gfxtypes.PowerStatus)
	NotifyError(error)
}

type nullNotifier struct{}

func (nullNotifier) NotifyGfx(gfxtypes.Mode)                 {}
func (nullNotifier) NotifyAction(gfxtypes.RequiredUserAction) {}
func (nullNotifier) NotifyGfxStatus(gfxtypes.PowerStatus)     {}
func (nullNotifier) NotifyError(error)                        {}

type reqKind int

const (
	reqSetMode reqKind = iota
	reqLogoutObserved
	reqLogoutTimeout
	reqResume
	reqCompletePending
)

type request struct {
	kind reqKind
	mode gfxtypes.Mode
	resp chan response
}

type response struct {
	action gfxtypes.RequiredUserAction
	err    error
}

// queueDepth is the bounded RPC queue from spec.md §5.
const queueDepth = 16

// Controller is the single owner of the mode state machine.
type Controller struct {
	Prober   *hwprobe.Prober
	Executor *exec.Executor
	Session  session.Coordinator
	CfgStore ConfigStore
	Pending  PendingStore
	Notify   Notifier

	queue    chan request
	internal chan request

	mu      sync.Mutex
	state   State
	current gfxtypes.Mode
	profile *gfxtypes.HardwareProfile
	config  *gfxtypes.Config
	pend    *gfxtypes.PendingState
	failure error

	cancelWait context.CancelFunc
}

// New builds a Controller. cfg and profile are the values loaded/
// probed at startup; they may be replaced later via SetConfig or a
// resume-triggered re-probe.
func New(prober *hwprobe.Prober, ex *exec.Executor, sess session.Coordinator, cfgStore ConfigStore, pending PendingStore, notify Notifier, cfg *gfxtypes.Config, profile *gfxtypes.HardwareProfile, initial gfxtypes.Mode) *Controller {
	if notify == nil {
		notify = nullNotifier{}
	}
	return &Controller{
		Prober:   prober,
		Executor: ex,
		Session:  sess,
		CfgStore: cfgStore,
		Pending:  pending,
		Notify:   notify,
		queue:    make(chan request, queueDepth),
		internal: make(chan request, 4),
		state:    Idle,
		current:  initial,
		profile:  profile,
		config:   cfg,
	}
}

// Run drives the controller loop until ctx is cancelled. It must run
// in exactly one goroutine.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.cancelWait != nil {
				c.cancelWait()
			}
			c.mu.Unlock()
			return
		case req := <-c.internal:
			c.dispatch(ctx, req)
		case req := <-c.queue:
			c.dispatch(ctx, req)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, req request) {
	switch req.kind {
	case reqSetMode:
		action, err := c.handleSetMode(ctx, req.mode)
		req.resp <- response{action: action, err: err}
	case reqLogoutObserved:
		c.runPendingPlan(ctx)
	case reqLogoutTimeout:
		c.abortPendingOnTimeout()
	case reqResume:
		c.handleSetMode(ctx, req.mode)
	case reqCompletePending:
		c.completePendingAfterReboot(ctx)
	}
}

// SetMode is the RPC entry point (spec.md §6.2). If the bounded queue
// is full it returns ErrBusy immediately without waiting on the
// controller loop; otherwise it waits for the loop to handle the
// request and returns its result.
func (c *Controller) SetMode(mode gfxtypes.Mode) (gfxtypes.RequiredUserAction, error) {
	resp := make(chan response, 1)
	select {
	case c.queue <- request{kind: reqSetMode, mode: mode, resp: resp}:
	default:
		return gfxtypes.ActionNothing, &gfxtypes.ErrBusy{}
	}
	r := <-resp
	return r.action, r.err
}

func (c *Controller) handleSetMode(ctx context.Context, target gfxtypes.Mode) (gfxtypes.RequiredUserAction, error) {
	c.mu.Lock()
	state := c.state
	current := c.current
	profile := c.profile
	cfg := *c.config
	c.mu.Unlock()

	if state == Switching {
		return gfxtypes.ActionNothing, &gfxtypes.ErrBusy{}
	}

	if state == PendingUserAction {
		// New request supersedes the pending one (spec.md §4.5):
		// cancel any in-flight logout wait and re-plan optimistically
		// from the mode the prior plan would have produced.
		c.mu.Lock()
		if c.cancelWait != nil {
			c.cancelWait()
			c.cancelWait = nil
		}
		if c.pend != nil {
			current = c.pend.TargetMode
		}
		c.pend = nil
		c.state = Idle
		c.mu.Unlock()
		state = Idle
	}

	if target == current {
		c.Notify.NotifyGfx(current)
		return gfxtypes.ActionNothing, nil
	}

	res, err := plan.Plan(current, target, profile, &cfg)
	if err != nil {
		return gfxtypes.ActionNothing, err
	}

	if res.RequiredAction == gfxtypes.ActionNothing {
		return c.runNow(ctx, current, target, res)
	}

	// The mux switch is the one deferred plan whose actions (the
	// gpu_mux_mode write) run now; the reboot completes it.
	if res.RequiredAction == gfxtypes.ActionSwitchMuxAndReboot {
		if err := c.Executor.Run(ctx, current, target, profile, &cfg, res); err != nil {
			return gfxtypes.ActionNothing, err
		}
	}

	// Persist and, for a plain logout requirement, arm the wait; the
	// reboot/mux/egpu-disable variants then hand control back to the
	// caller (spec.md §4.2, §4.5).
	pend := &gfxtypes.PendingState{TargetMode: target, RequiredAction: res.RequiredAction, SourceMode: current}
	if c.Pending != nil {
		if err := c.Pending.Save(pend); err != nil {
			return gfxtypes.ActionNothing, err
		}
	}

	c.mu.Lock()
	c.pend = pend
	c.state = PendingUserAction
	c.mu.Unlock()
	c.Notify.NotifyAction(res.RequiredAction)

	if res.RequiredAction == gfxtypes.ActionLogout {
		c.armLogoutWait(ctx, target)
	}

	return res.RequiredAction, nil
}

func (c *Controller) armLogoutWait(parent context.Context, target gfxtypes.Mode) {
	waitCtx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.cancelWait = cancel
	timeout := c.config.LogoutTimeoutS
	c.mu.Unlock()

	go func() {
		var d time.Duration
		if timeout > 0 {
			d = time.Duration(timeout) * time.Second
		}
		err := c.Session.WaitUntilAllLoggedOut(waitCtx, d)
		if waitCtx.Err() != nil {
			// Superseded or shutting down; drop silently.
			return
		}
		if err != nil {
			c.internal <- request{kind: reqLogoutTimeout, mode: target}
			return
		}
		c.internal <- request{kind: reqLogoutObserved, mode: target}
	}()
}

// completePendingAfterReboot executes a transition that was deferred
// to a reboot on a previous run (spec.md §4.5, invariant 5). Unlike
// runPendingPlan (used for the plain-logout wait), it must not call
// plan.Plan: the always_reboot/NvidiaModeset/mux defer override that
// produced the persisted record would fire again and re-persist
// pending forever, so the recorded module-unload/mux-confirm/clear
// work would never run (this was exactly the reboot loop reported
// against ResumeFromBoot).
func (c *Controller) completePendingAfterReboot(ctx context.Context) {
	c.mu.Lock()
	pend := c.pend
	profile := c.profile
	cfg := *c.config
	c.mu.Unlock()

	if pend == nil {
		return
	}

	if c.Prober != nil {
		if newProfile, observed, err := c.Prober.Probe(&cfg); err == nil {
			c.mu.Lock()
			c.profile = newProfile
			c.mu.Unlock()
			profile = newProfile
			if observed == pend.TargetMode {
				// S5: the reboot itself (a firmware MUX switch, a
				// cmdline modeset flag) already produced the target
				// mode with no module work left to run.
				c.mu.Lock()
				c.current = observed
				c.state = Idle
				c.pend = nil
				c.mu.Unlock()
				if c.Pending != nil {
					c.Pending.Clear()
				}
				c.Notify.NotifyGfx(observed)
				return
			}
		}
	}

	actions := plan.TransitionActions(pend.SourceMode, pend.TargetMode, profile, &cfg)
	if len(actions) == 0 {
		// Targets like AsusMuxDgpu/NvidiaNoModeset never carried
		// module-level actions of their own; the persisted target is
		// the whole transition, so trust it directly.
		c.mu.Lock()
		c.current = pend.TargetMode
		c.state = Idle
		c.pend = nil
		c.mu.Unlock()
		if c.Pending != nil {
			c.Pending.Clear()
		}
		c.Notify.NotifyGfx(pend.TargetMode)
		return
	}

	c.runNow(ctx, pend.SourceMode, pend.TargetMode, plan.Result{Actions: actions})
}

func (c *Controller) runPendingPlan(ctx context.Context) {
	c.mu.Lock()
	pend := c.pend
	current := c.current
	profile := c.profile
	cfg := *c.config
	c.mu.Unlock()

	if pend == nil {
		return
	}

	res, err := plan.Plan(current, pend.TargetMode, profile, &cfg)
	if err != nil {
		logger.Noticef("controller: re-plan for pending transition failed: %v", err)
		c.finishFailed(err)
		return
	}
	c.runNow(ctx, current, pend.TargetMode, res)
}

func (c *Controller) runNow(ctx context.Context, from, to gfxtypes.Mode, res plan.Result) (gfxtypes.RequiredUserAction, error) {
	c.mu.Lock()
	c.state = Switching
	profile := c.profile
	cfg := c.config
	c.mu.Unlock()

	var release func()
	if c.Session != nil {
		r, err := c.Session.InhibitSleep(ctx, "graphics mode change")
		if err != nil {
			c.finishFailed(err)
			return gfxtypes.ActionNothing, err
		}
		release = r
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	err := c.Executor.Run(ctx, from, to, profile, cfg, res)
	if err != nil {
		c.finishFailed(err)
		return gfxtypes.ActionNothing, err
	}

	if c.Prober != nil {
		newProfile, observedMode, perr := c.Prober.Probe(cfg)
		if perr == nil {
			if observedMode != to {
				err := &gfxtypes.ErrPostConditionNotMet{Expected: to, Observed: observedMode}
				c.finishFailed(err)
				return gfxtypes.ActionNothing, err
			}
			c.mu.Lock()
			c.profile = newProfile
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.current = to
	c.state = Idle
	c.pend = nil
	c.mu.Unlock()

	if c.CfgStore != nil {
		c.mu.Lock()
		updated := *c.config
		updated.Mode = to
		c.config = &updated
		c.mu.Unlock()
		if err := c.CfgStore.Save(&updated); err != nil {
			logger.Noticef("controller: failed to persist config: %v", err)
		}
	}
	if c.Pending != nil {
		c.Pending.Clear()
	}

	c.Notify.NotifyGfx(to)
	return gfxtypes.ActionNothing, nil
}

func (c *Controller) abortPendingOnTimeout() {
	c.mu.Lock()
	timeout := c.config.LogoutTimeoutS
	c.state = Idle
	c.pend = nil
	c.failure = &gfxtypes.ErrLogoutTimedOut{TimeoutS: timeout}
	err := c.failure
	c.mu.Unlock()
	if c.Pending != nil {
		c.Pending.Clear()
	}
	logger.Noticef("controller: %v, transition aborted", err)
	c.Notify.NotifyError(err)
}

// LastError returns the error from the most recent failed or
// timed-out transition, if any (spec.md §6.4's CLI exit codes are
// derived from this after an async signal like NotifyError fires,
// since the SetMode call itself already returned by then).
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Controller) finishFailed(err error) {
	c.mu.Lock()
	c.state = Failed
	c.failure = err
	c.mu.Unlock()
	logger.Noticef("controller: transition failed: %v", err)

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
}

// GetMode returns the currently active mode.
func (c *Controller) GetMode() gfxtypes.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// GetSupported returns the modes this machine supports.
func (c *Controller) GetSupported() []gfxtypes.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gfxtypes.Mode
	for m, ok := range c.profile.Supported {
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// GetVendor returns the dGPU's vendor.
func (c *Controller) GetVendor() gfxtypes.Vendor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.DgpuVendor
}

// PendingMode returns the target of an in-flight pending transition,
// if any.
func (c *Controller) PendingMode() (gfxtypes.Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pend == nil {
		return gfxtypes.ModeNone, false
	}
	return c.pend.TargetMode, true
}

// PendingAction returns the action a caller must still take.
func (c *Controller) PendingAction() gfxtypes.RequiredUserAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pend == nil {
		return gfxtypes.ActionNothing
	}
	return c.pend.RequiredAction
}

// GetPowerStatus reads the dGPU's runtime power state directly from
// sysfs (spec.md §3: "derived from
// /sys/bus/pci/devices/<addr>/power/runtime_status", not cached,
// since it changes independently of the mode state machine).
func (c *Controller) GetPowerStatus() gfxtypes.PowerStatus {
	c.mu.Lock()
	addr := c.profile.DgpuAddress
	c.mu.Unlock()
	if addr == "" {
		return gfxtypes.PowerUnknown
	}
	v, err := sysfsio.ReadFile("/sys/bus/pci/devices/" + string(addr) + "/power/runtime_status")
	if err != nil {
		return gfxtypes.PowerUnknown
	}
	switch v {
	case "active":
		return gfxtypes.PowerActive
	case "suspended":
		return gfxtypes.PowerSuspended
	case "suspending":
		return gfxtypes.PowerSuspended
	default:
		return gfxtypes.PowerOff
	}
}

// version is set at build time via -ldflags "-X ...=vX.Y.Z"; it
// defaults to a development marker so an unstamped build is still
// identifiable over the RPC surface.
var version = "0.0.0-dev"

// GetVersion returns the daemon's build version (spec.md §6.2).
func (c *Controller) GetVersion() string {
	return version
}

// GetConfig returns a copy of the active configuration.
func (c *Controller) GetConfig() gfxtypes.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.config
}

// SetConfig replaces the configuration and persists it. It may narrow
// the supported set on the next probe (spec.md §6.2).
func (c *Controller) SetConfig(cfg gfxtypes.Config) error {
	if err := validateConfig(&cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.config = &cfg
	c.mu.Unlock()
	if c.CfgStore != nil {
		return c.CfgStore.Save(&cfg)
	}
	return nil
}

// validateConfig rejects a Config carrying an enum field outside the
// values gfxtypes defines; a caller assembling one from untrusted
// input (busapi's D-Bus method args) can otherwise smuggle a value no
// switch in the core ever matches.
func validateConfig(cfg *gfxtypes.Config) error {
	switch cfg.Mode {
	case gfxtypes.ModeNone, gfxtypes.ModeHybrid, gfxtypes.ModeIntegrated, gfxtypes.ModeVfio,
		gfxtypes.ModeCompute, gfxtypes.ModeAsusEgpu, gfxtypes.ModeAsusMuxDgpu, gfxtypes.ModeNvidiaNoModeset:
	default:
		return &gfxtypes.ErrConfigInvalid{Field: "mode"}
	}
	switch cfg.HotplugType {
	case gfxtypes.HotplugNone, gfxtypes.HotplugStd, gfxtypes.HotplugAsus:
	default:
		return &gfxtypes.ErrConfigInvalid{Field: "hotplug_type"}
	}
	return nil
}

// ReprobeOnResume implements the session coordinator's on_resume hook
// (spec.md §4.4): it re-probes hardware after a suspend/resume cycle
// and, on ASUS hotplug machines, reasserts dgpu_disable so a resume
// that reset the ACPI knob doesn't silently re-enable a dGPU the user
// left in Integrated mode.
func (c *Controller) ReprobeOnResume() {
	c.mu.Lock()
	cfg := c.config
	current := c.current
	c.mu.Unlock()

	if c.Prober == nil {
		return
	}
	profile, observed, err := c.Prober.Probe(cfg)
	if err != nil {
		logger.Debugf("controller: resume re-probe failed: %v", err)
		return
	}

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()

	if cfg.HotplugType == gfxtypes.HotplugAsus && current == gfxtypes.ModeIntegrated && profile.AsusDgpuDisable != "" {
		reassert := plan.Result{Actions: []plan.Action{{Kind: plan.WriteSysfs, Path: profile.AsusDgpuDisable, Data: "1"}}}
		if err := c.Executor.Run(context.Background(), current, current, profile, cfg, reassert); err != nil {
			logger.Noticef("controller: reasserting dgpu_disable after resume failed: %v", err)
		}
		return
	}

	if observed != current {
		logger.Noticef("controller: resume observed mode %s differs from tracked %s", observed, current)
	}
}

// State reports the current controller state, mainly for tests and
// diagnostics.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ResumeFromBoot implements the initial-state resolution from
// spec.md §4.5: a supergfxd.mode= cmdline override wins, then a
// persisted PendingState, then a plain reassertion of config.Mode.
// A persisted PendingState is completed whatever its RequiredAction
// is; there is no check that the reboot or logout it was waiting for
// has actually happened.
func (c *Controller) ResumeFromBoot(ctx context.Context, cmdlinePath string) {
	if tokens, err := sysfsio.ReadCmdline(cmdlinePath); err == nil {
		if v, ok := sysfsio.CmdlineValue(tokens, "supergfxd.mode"); ok {
			if m, err := gfxtypes.ParseMode(v); err == nil {
				c.internal <- request{kind: reqResume, mode: m, resp: make(chan response, 1)}
				return
			}
		}
	}

	if c.Pending != nil {
		if pend, ok, err := c.Pending.Load(); err == nil && ok {
			c.mu.Lock()
			c.current = pend.SourceMode
			c.pend = pend
			c.state = PendingUserAction
			c.mu.Unlock()
			c.internal <- request{kind: reqCompletePending, resp: make(chan response, 1)}
			return
		}
	}

	c.mu.Lock()
	target := c.config.Mode
	c.mu.Unlock()
	if target != c.GetMode() {
		c.internal <- request{kind: reqResume, mode: target, resp: make(chan response, 1)}
	}
}
