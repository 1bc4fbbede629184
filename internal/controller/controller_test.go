package controller

import (
	"context"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/canonical/supergfxd/internal/exec"
	"github.com/canonical/supergfxd/internal/gfxtypes"
)

func Test(t *testing.T) { TestingT(t) }

type ControllerSuite struct{}

var _ = Suite(&ControllerSuite{})

type fakeRunner struct {
	calls []string
}

func (f *fakeRunner) LoadModule(ctx context.Context, name string) error {
	f.calls = append(f.calls, "load:"+name)
	return nil
}
func (f *fakeRunner) UnloadModule(ctx context.Context, name string) error {
	f.calls = append(f.calls, "unload:"+name)
	return nil
}
func (f *fakeRunner) WriteSysfs(ctx context.Context, path, data string) error {
	f.calls = append(f.calls, "write:"+path+"="+data)
	return nil
}
func (f *fakeRunner) PciRescan(ctx context.Context) error { f.calls = append(f.calls, "rescan"); return nil }
func (f *fakeRunner) PciRemove(ctx context.Context, addr gfxtypes.DBDF) error {
	f.calls = append(f.calls, "remove:"+string(addr))
	return nil
}
func (f *fakeRunner) DriverOverride(ctx context.Context, addr gfxtypes.DBDF, driver string) error {
	f.calls = append(f.calls, "override:"+string(addr))
	return nil
}
func (f *fakeRunner) Bind(ctx context.Context, addr gfxtypes.DBDF, driver string) error {
	f.calls = append(f.calls, "bind:"+string(addr))
	return nil
}
func (f *fakeRunner) Unbind(ctx context.Context, addr gfxtypes.DBDF) error {
	f.calls = append(f.calls, "unbind:"+string(addr))
	return nil
}
func (f *fakeRunner) SetRuntimePm(ctx context.Context, addr gfxtypes.DBDF, state string) error {
	f.calls = append(f.calls, "pm:"+string(addr))
	return nil
}
func (f *fakeRunner) DeviceVisible(ctx context.Context, addr gfxtypes.DBDF) (bool, error) {
	return true, nil
}

type fakeSession struct {
	loggedOutAfter time.Duration
}

func (f *fakeSession) GraphicalSessionsActive(ctx context.Context) (bool, error) { return false, nil }
func (f *fakeSession) WaitUntilAllLoggedOut(ctx context.Context, timeout time.Duration) error {
	select {
	case <-time.After(f.loggedOutAfter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (f *fakeSession) InhibitSleep(ctx context.Context, why string) (func(), error) {
	return func() {}, nil
}
func (f *fakeSession) OnResume(cb func()) {}

type fakeConfigStore struct {
	saved []gfxtypes.Config
}

func (f *fakeConfigStore) Save(cfg *gfxtypes.Config) error {
	f.saved = append(f.saved, *cfg)
	return nil
}

type fakePendingStore struct {
	pend    *gfxtypes.PendingState
	cleared bool
}

func (f *fakePendingStore) Save(p *gfxtypes.PendingState) error { f.pend = p; f.cleared = false; return nil }
func (f *fakePendingStore) Clear() error                        { f.pend = nil; f.cleared = true; return nil }
func (f *fakePendingStore) Load() (*gfxtypes.PendingState, bool, error) {
	if f.pend == nil {
		return nil, false, nil
	}
	return f.pend, true, nil
}

type fakeNotifier struct {
	modes   []gfxtypes.Mode
	actions []gfxtypes.RequiredUserAction
	errs    []error
}

func (f *fakeNotifier) NotifyGfx(m gfxtypes.Mode)                 { f.modes = append(f.modes, m) }
func (f *fakeNotifier) NotifyAction(a gfxtypes.RequiredUserAction) { f.actions = append(f.actions, a) }
func (f *fakeNotifier) NotifyGfxStatus(gfxtypes.PowerStatus)       {}
func (f *fakeNotifier) NotifyError(err error)                      { f.errs = append(f.errs, err) }

func nvidiaProfile() *gfxtypes.HardwareProfile {
	return &gfxtypes.HardwareProfile{
		DgpuAddress: "0000:01:00.0",
		DgpuPresent: true,
		DgpuVendor:  gfxtypes.VendorNvidia,
		Supported: map[gfxtypes.Mode]bool{
			gfxtypes.ModeIntegrated: true,
			gfxtypes.ModeHybrid:     true,
			gfxtypes.ModeVfio:       true,
			gfxtypes.ModeCompute:    true,
		},
	}
}

func newTestController(runner exec.Runner, sess *fakeSession, cfg *gfxtypes.Config, initial gfxtypes.Mode) (*Controller, *fakeConfigStore, *fakePendingStore, *fakeNotifier) {
	cfgStore := &fakeConfigStore{}
	pending := &fakePendingStore{}
	notify := &fakeNotifier{}
	ex := exec.New(runner, sess, func(target gfxtypes.Mode, action gfxtypes.RequiredUserAction) error {
		return pending.Save(&gfxtypes.PendingState{TargetMode: target, RequiredAction: action, SourceMode: initial})
	})
	c := New(nil, ex, sess, cfgStore, pending, notify, cfg, nvidiaProfile(), initial)
	return c, cfgStore, pending, notify
}

func (s *ControllerSuite) TestHandleSetModeBusyWhileSwitching(c *C) {
	ctrl, _, _, _ := newTestController(&fakeRunner{}, &fakeSession{}, &gfxtypes.Config{HotplugType: gfxtypes.HotplugStd}, gfxtypes.ModeHybrid)
	ctrl.mu.Lock()
	ctrl.state = Switching
	ctrl.mu.Unlock()

	action, err := ctrl.handleSetMode(context.Background(), gfxtypes.ModeIntegrated)
	c.Assert(err, FitsTypeOf, &gfxtypes.ErrBusy{})
	c.Check(action, Equals, gfxtypes.ActionNothing)
}

func (s *ControllerSuite) TestHandleSetModeSupersedesPending(c *C) {
	runner := &fakeRunner{}
	cfg := &gfxtypes.Config{HotplugType: gfxtypes.HotplugStd, VfioEnable: true}
	ctrl, _, _, notify := newTestController(runner, &fakeSession{}, cfg, gfxtypes.ModeHybrid)

	cancelled := false
	ctrl.mu.Lock()
	ctrl.state = PendingUserAction
	ctrl.pend = &gfxtypes.PendingState{TargetMode: gfxtypes.ModeIntegrated, RequiredAction: gfxtypes.ActionLogout, SourceMode: gfxtypes.ModeHybrid}
	ctrl.cancelWait = func() { cancelled = true }
	ctrl.mu.Unlock()

	// Superseding request retargets straight to Vfio; since it re-plans
	// from the superseded plan's target (Integrated), not the original
	// current mode (Hybrid).
	action, err := ctrl.handleSetMode(context.Background(), gfxtypes.ModeVfio)
	c.Assert(err, IsNil)
	c.Check(action, Equals, gfxtypes.ActionNothing)
	c.Check(cancelled, Equals, true)
	c.Check(ctrl.State(), Equals, Idle)
	c.Check(ctrl.GetMode(), Equals, gfxtypes.ModeVfio)
	c.Check(notify.modes, DeepEquals, []gfxtypes.Mode{gfxtypes.ModeVfio})
}

func (s *ControllerSuite) TestAbortPendingOnTimeoutResetsToIdle(c *C) {
	ctrl, _, pending, notify := newTestController(&fakeRunner{}, &fakeSession{}, &gfxtypes.Config{LogoutTimeoutS: 5}, gfxtypes.ModeHybrid)
	ctrl.mu.Lock()
	ctrl.state = PendingUserAction
	ctrl.pend = &gfxtypes.PendingState{TargetMode: gfxtypes.ModeIntegrated, RequiredAction: gfxtypes.ActionLogout}
	ctrl.mu.Unlock()
	pending.pend = ctrl.pend

	ctrl.abortPendingOnTimeout()

	c.Check(ctrl.State(), Equals, Idle)
	_, ok := ctrl.PendingMode()
	c.Check(ok, Equals, false)
	c.Check(pending.cleared, Equals, true)
	c.Assert(ctrl.LastError(), FitsTypeOf, &gfxtypes.ErrLogoutTimedOut{})
	c.Assert(notify.errs, HasLen, 1)
	c.Check(notify.errs[0], FitsTypeOf, &gfxtypes.ErrLogoutTimedOut{})
}

// End-to-end S1: Hybrid -> Integrated on std hotplug requires a logout,
// which the fake session reports as observed almost immediately.
func (s *ControllerSuite) TestRunEndToEndLogoutFlow(c *C) {
	runner := &fakeRunner{}
	sess := &fakeSession{loggedOutAfter: 10 * time.Millisecond}
	cfg := &gfxtypes.Config{HotplugType: gfxtypes.HotplugStd, LogoutTimeoutS: 5}
	ctrl, cfgStore, pending, notify := newTestController(runner, sess, cfg, gfxtypes.ModeHybrid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	action, err := ctrl.SetMode(gfxtypes.ModeIntegrated)
	c.Assert(err, IsNil)
	c.Check(action, Equals, gfxtypes.ActionLogout)
	c.Check(ctrl.State(), Equals, PendingUserAction)

	deadline := time.After(2 * time.Second)
	for ctrl.GetMode() != gfxtypes.ModeIntegrated {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for mode transition, state=%s", ctrl.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Check(ctrl.State(), Equals, Idle)
	c.Check(notify.modes, DeepEquals, []gfxtypes.Mode{gfxtypes.ModeIntegrated})
	c.Check(notify.actions, DeepEquals, []gfxtypes.RequiredUserAction{gfxtypes.ActionLogout})
	c.Check(len(cfgStore.saved) > 0, Equals, true)
	c.Check(cfgStore.saved[len(cfgStore.saved)-1].Mode, Equals, gfxtypes.ModeIntegrated)
	c.Check(pending.cleared, Equals, true)
	c.Check(runner.calls[0], Equals, "unload:nvidia_drm")
	// runNow swaps c.config to a fresh copy under lock rather than
	// mutating the struct GetConfig's callers might be reading
	// concurrently; GetConfig must observe the swapped value.
	c.Check(ctrl.GetConfig().Mode, Equals, gfxtypes.ModeIntegrated)
}

// S3: a Hybrid -> Integrated transition deferred to reboot by
// always_reboot must actually run its module-unload actions on the
// next boot instead of re-deferring forever.
func (s *ControllerSuite) TestResumeFromBootCompletesDeferredTransition(c *C) {
	runner := &fakeRunner{}
	sess := &fakeSession{}
	cfg := &gfxtypes.Config{HotplugType: gfxtypes.HotplugStd, AlwaysReboot: true}
	ctrl, cfgStore, pending, notify := newTestController(runner, sess, cfg, gfxtypes.ModeHybrid)
	pending.pend = &gfxtypes.PendingState{
		SourceMode:     gfxtypes.ModeHybrid,
		TargetMode:     gfxtypes.ModeIntegrated,
		RequiredAction: gfxtypes.ActionReboot,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.ResumeFromBoot(ctx, "/nonexistent/cmdline")

	deadline := time.After(2 * time.Second)
	for ctrl.GetMode() != gfxtypes.ModeIntegrated {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for deferred transition to complete, state=%s", ctrl.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Check(ctrl.State(), Equals, Idle)
	c.Check(runner.calls[0], Equals, "unload:nvidia_drm")
	c.Check(pending.cleared, Equals, true)
	c.Check(cfgStore.saved[len(cfgStore.saved)-1].Mode, Equals, gfxtypes.ModeIntegrated)
	c.Check(notify.modes, DeepEquals, []gfxtypes.Mode{gfxtypes.ModeIntegrated})
}

// S5: on the boot that follows an ASUS MUX write, the transition has no
// module-level actions left (the mux switch happened in firmware). No
// Prober is wired here, so this exercises the empty-action-list path:
// the controller must clear pending and trust the persisted target
// without running anything.
func (s *ControllerSuite) TestResumeFromBootClearsPendingWithNoActions(c *C) {
	runner := &fakeRunner{}
	sess := &fakeSession{}
	cfg := &gfxtypes.Config{HotplugType: gfxtypes.HotplugStd}
	ctrl, _, pending, notify := newTestController(runner, sess, cfg, gfxtypes.ModeIntegrated)
	pending.pend = &gfxtypes.PendingState{
		SourceMode:     gfxtypes.ModeIntegrated,
		TargetMode:     gfxtypes.ModeAsusMuxDgpu,
		RequiredAction: gfxtypes.ActionSwitchMuxAndReboot,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.ResumeFromBoot(ctx, "/nonexistent/cmdline")

	deadline := time.After(2 * time.Second)
	for ctrl.GetMode() != gfxtypes.ModeAsusMuxDgpu {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for pending to clear, state=%s", ctrl.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Check(ctrl.State(), Equals, Idle)
	c.Check(len(runner.calls), Equals, 0)
	c.Check(pending.cleared, Equals, true)
	c.Check(notify.modes, DeepEquals, []gfxtypes.Mode{gfxtypes.ModeAsusMuxDgpu})
}

func (s *ControllerSuite) TestSetModeReturnsBusyWhenQueueFull(c *C) {
	ctrl, _, _, _ := newTestController(&fakeRunner{}, &fakeSession{}, &gfxtypes.Config{}, gfxtypes.ModeHybrid)
	// Fill the bounded queue directly without a consumer running.
	for i := 0; i < queueDepth; i++ {
		ctrl.queue <- request{kind: reqSetMode, mode: gfxtypes.ModeIntegrated, resp: make(chan response, 1)}
	}
	_, err := ctrl.SetMode(gfxtypes.ModeIntegrated)
	c.Assert(err, FitsTypeOf, &gfxtypes.ErrBusy{})
}

func (s *ControllerSuite) TestSetModeSameModeIsNoOp(c *C) {
	ctrl, _, _, notify := newTestController(&fakeRunner{}, &fakeSession{}, &gfxtypes.Config{}, gfxtypes.ModeHybrid)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	action, err := ctrl.SetMode(gfxtypes.ModeHybrid)
	c.Assert(err, IsNil)
	c.Check(action, Equals, gfxtypes.ActionNothing)
	c.Check(notify.modes, DeepEquals, []gfxtypes.Mode{gfxtypes.ModeHybrid})
}
