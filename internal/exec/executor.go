// Package exec runs a plan.Result's actions sequentially, retrying
// transient failures with backoff and rolling back on fatal ones.
// Grounded on overlord/state.TaskRunner's single-goroutine-per-run
// discipline, adapted from a task graph to a linear pipeline since
// plan.Result has no branching. Run is called from the controller's
// own goroutine and is cancelled through the context.Context it is
// given; no tomb.Tomb is involved here.
package exec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/supergfxd/internal/gfxtypes"
	"github.com/canonical/supergfxd/internal/plan"
	"github.com/canonical/supergfxd/internal/sysfsio"
	"github.com/canonical/supergfxd/logger"
)

// FailureKind tells the executor whether an action's error should be
// retried or treated as fatal.
type FailureKind int

const (
	// FailureFatal aborts the plan and triggers rollback.
	FailureFatal FailureKind = iota
	// FailureTransient is retried with backoff.
	FailureTransient
)

// Classify decides how to treat an action error. The default
// classifier treats a missing path or device (the path was expected
// to exist at planning time) and a permission error as fatal, and
// everything else it cannot place as transient, matching spec.md §4.3.
type Classify func(err error) FailureKind

// DefaultClassify is used when no override is supplied. It unwraps to
// the raw errno where the kernel gives one: ENOENT/ENODEV/ENXIO mean
// the sysfs path or device is genuinely gone and retrying is pointless,
// EBUSY/EAGAIN/EINTR mean the kernel just wants the write retried.
func DefaultClassify(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}
	switch err.(type) {
	case *gfxtypes.FatalIoError:
		return FailureFatal
	case *gfxtypes.TransientIoError:
		return FailureTransient
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOENT, unix.ENODEV, unix.ENXIO:
			return FailureFatal
		case unix.EBUSY, unix.EAGAIN, unix.EINTR:
			return FailureTransient
		}
	}
	if os.IsNotExist(err) || os.IsPermission(err) {
		return FailureFatal
	}
	return FailureTransient
}

// Backoff is the retry schedule from spec.md §4.3.
var Backoff = []time.Duration{
	50 * time.Millisecond,
	150 * time.Millisecond,
	450 * time.Millisecond,
	1000 * time.Millisecond,
}

// SessionChecker is consulted by the CheckNoGraphicalSessions action;
// it is the same interface the session coordinator implements.
type SessionChecker interface {
	GraphicalSessionsActive(ctx context.Context) (bool, error)
}

// Runner drives real kernel-module/PCI/sysfs side effects. Splitting
// it out from Executor keeps the sequencing logic testable against a
// fake.
type Runner interface {
	LoadModule(ctx context.Context, name string) error
	UnloadModule(ctx context.Context, name string) error
	WriteSysfs(ctx context.Context, path, data string) error
	PciRescan(ctx context.Context) error
	PciRemove(ctx context.Context, addr gfxtypes.DBDF) error
	DriverOverride(ctx context.Context, addr gfxtypes.DBDF, driver string) error
	Bind(ctx context.Context, addr gfxtypes.DBDF, driver string) error
	Unbind(ctx context.Context, addr gfxtypes.DBDF) error
	SetRuntimePm(ctx context.Context, addr gfxtypes.DBDF, state string) error
	DeviceVisible(ctx context.Context, addr gfxtypes.DBDF) (bool, error)
}

// Executor runs a plan.Result to completion.
type Executor struct {
	Runner   Runner
	Session  SessionChecker
	Classify Classify
	Persist  func(target gfxtypes.Mode, action gfxtypes.RequiredUserAction) error
}

// New builds an Executor with the default classifier.
func New(r Runner, s SessionChecker, persist func(gfxtypes.Mode, gfxtypes.RequiredUserAction) error) *Executor {
	return &Executor{Runner: r, Session: s, Classify: DefaultClassify, Persist: persist}
}

// Run executes res.Actions in order; WaitSettle and session checks
// are cancellable via ctx. On a fatal
// failure it runs the inverse plan (from `to` back to `from`) as a
// best-effort rollback and returns the original error.
func (e *Executor) Run(ctx context.Context, from, to gfxtypes.Mode, profile *gfxtypes.HardwareProfile, cfg *gfxtypes.Config, res plan.Result) error {
	if err := e.runActions(ctx, res.Actions); err != nil {
		if e.classify(err) == FailureFatal {
			logger.Noticef("exec: fatal failure %v, attempting rollback %s -> %s", err, to, from)
			rollback, rerr := plan.Plan(to, from, profile, cfg)
			if rerr == nil {
				if rbErr := e.runActions(context.Background(), rollback.Actions); rbErr != nil {
					logger.Noticef("exec: rollback failed: %v", rbErr)
				}
			} else {
				logger.Noticef("exec: could not compute rollback plan: %v", rerr)
			}
		}
		return err
	}
	return nil
}

func (e *Executor) classify(err error) FailureKind {
	if e.Classify != nil {
		return e.Classify(err)
	}
	return DefaultClassify(err)
}

func (e *Executor) runActions(ctx context.Context, actions []plan.Action) error {
	for _, a := range actions {
		if err := e.runWithRetry(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runWithRetry(ctx context.Context, a plan.Action) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = e.runOne(ctx, a)
		if lastErr == nil {
			return nil
		}
		if e.classify(lastErr) == FailureFatal {
			return lastErr
		}
		if attempt >= len(Backoff) {
			return lastErr
		}
		logger.Debugf("exec: action %s failed (%v), retrying in %s", a.Kind, lastErr, Backoff[attempt])
		select {
		case <-time.After(Backoff[attempt]):
		case <-ctx.Done():
			return lastErr
		}
	}
}

// wrapIoErr classifies a raw Runner error and wraps it as
// gfxtypes.FatalIoError or gfxtypes.TransientIoError so callers above
// the executor (the controller's finishFailed path, the CLI
// exit-code mapping in spec.md §6.4) see the same typed distinction
// the retry loop already acts on, instead of an opaque error value.
func (e *Executor) wrapIoErr(path string, err error) error {
	if err == nil {
		return nil
	}
	if e.classify(err) == FailureFatal {
		return &gfxtypes.FatalIoError{Path: path, Err: err}
	}
	return &gfxtypes.TransientIoError{Path: path, Err: err}
}

func (e *Executor) runOne(ctx context.Context, a plan.Action) error {
	switch a.Kind {
	case plan.LoadModule:
		return e.wrapIoErr("module:"+a.Module, e.Runner.LoadModule(ctx, a.Module))
	case plan.UnloadModule:
		return e.wrapIoErr("module:"+a.Module, e.Runner.UnloadModule(ctx, a.Module))
	case plan.WriteSysfs:
		return e.wrapIoErr(a.Path, e.Runner.WriteSysfs(ctx, a.Path, a.Data))
	case plan.PciRescan:
		if err := e.wrapIoErr("pci-rescan", e.Runner.PciRescan(ctx)); err != nil {
			return err
		}
		return e.waitDeviceVisible(ctx, a.Address)
	case plan.PciRemove:
		return e.wrapIoErr(string(a.Address)+"/remove", e.Runner.PciRemove(ctx, a.Address))
	case plan.DriverOverride:
		return e.wrapIoErr(string(a.Address)+"/driver_override", e.Runner.DriverOverride(ctx, a.Address, a.Driver))
	case plan.Bind:
		return e.wrapIoErr(a.Driver+"/bind", e.Runner.Bind(ctx, a.Address, a.Driver))
	case plan.Unbind:
		return e.wrapIoErr(string(a.Address)+"/driver/unbind", e.Runner.Unbind(ctx, a.Address))
	case plan.WaitSettle:
		return sleep(ctx, time.Duration(a.Millis)*time.Millisecond)
	case plan.CheckNoGraphicalSessions:
		if e.Session == nil {
			return nil
		}
		active, err := e.Session.GraphicalSessionsActive(ctx)
		if err != nil {
			return err
		}
		if active {
			return &gfxtypes.ErrBusy{}
		}
		return nil
	case plan.SetRuntimePm:
		return e.wrapIoErr(string(a.Address)+"/power/control", e.Runner.SetRuntimePm(ctx, a.Address, a.PmState))
	case plan.PersistPending:
		if e.Persist == nil {
			return nil
		}
		return e.Persist(a.PendingTarget, a.PendingAction)
	default:
		return nil
	}
}

func (e *Executor) waitDeviceVisible(ctx context.Context, addr gfxtypes.DBDF) error {
	if addr == "" {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		visible, err := e.Runner.DeviceVisible(ctx, addr)
		if err == nil && visible {
			return nil
		}
		if time.Now().After(deadline) {
			return &gfxtypes.ErrHardwareDisappeared{Address: addr}
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SysRunner is the real Runner backed by exec.CommandContext (for
// modprobe and modprobe -r) and direct sysfs writes.
type SysRunner struct {
	PCIBus string // e.g. /sys/bus/pci
}

func NewSysRunner() *SysRunner {
	return &SysRunner{PCIBus: "/sys/bus/pci"}
}

func (r *SysRunner) LoadModule(ctx context.Context, name string) error {
	return runCommand(ctx, "modprobe", name)
}

func (r *SysRunner) UnloadModule(ctx context.Context, name string) error {
	return runCommand(ctx, "modprobe", "-r", name)
}

func (r *SysRunner) WriteSysfs(ctx context.Context, path, data string) error {
	return sysfsio.WriteFile(path, data)
}

func (r *SysRunner) PciRescan(ctx context.Context) error {
	return sysfsio.WriteFile(r.PCIBus+"/rescan", "1")
}

func (r *SysRunner) PciRemove(ctx context.Context, addr gfxtypes.DBDF) error {
	return sysfsio.WriteFile(r.PCIBus+"/devices/"+string(addr)+"/remove", "1")
}

func (r *SysRunner) DriverOverride(ctx context.Context, addr gfxtypes.DBDF, driver string) error {
	return sysfsio.WriteFile(r.PCIBus+"/devices/"+string(addr)+"/driver_override", driver)
}

func (r *SysRunner) Bind(ctx context.Context, addr gfxtypes.DBDF, driver string) error {
	return sysfsio.WriteFile("/sys/bus/pci/drivers/"+driver+"/bind", string(addr))
}

func (r *SysRunner) Unbind(ctx context.Context, addr gfxtypes.DBDF) error {
	devDriver := r.PCIBus + "/devices/" + string(addr) + "/driver/unbind"
	return sysfsio.WriteFile(devDriver, string(addr))
}

func (r *SysRunner) SetRuntimePm(ctx context.Context, addr gfxtypes.DBDF, state string) error {
	return sysfsio.WriteFile(r.PCIBus+"/devices/"+string(addr)+"/power/control", state)
}

func (r *SysRunner) DeviceVisible(ctx context.Context, addr gfxtypes.DBDF) (bool, error) {
	return sysfsio.Exists(r.PCIBus + "/devices/" + string(addr)), nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Debugf("exec: %s %v: %v: %s", name, args, err, out)
		return err
	}
	return nil
}
