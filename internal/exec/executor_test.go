package exec

import (
	"context"
	"errors"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/canonical/supergfxd/internal/gfxtypes"
	"github.com/canonical/supergfxd/internal/plan"
)

func Test(t *testing.T) { TestingT(t) }

type ExecSuite struct{}

var _ = Suite(&ExecSuite{})

// fakeRunner records every call made to it and can be scripted to fail
// a bounded number of times for a given kind before succeeding.
type fakeRunner struct {
	calls        []string
	failUnbind   int
	visibleAfter int
	visibleCalls int
}

func (f *fakeRunner) LoadModule(ctx context.Context, name string) error {
	f.calls = append(f.calls, "load:"+name)
	return nil
}
func (f *fakeRunner) UnloadModule(ctx context.Context, name string) error {
	f.calls = append(f.calls, "unload:"+name)
	if f.failUnbind > 0 {
		f.failUnbind--
		return errors.New("device busy")
	}
	return nil
}
func (f *fakeRunner) WriteSysfs(ctx context.Context, path, data string) error {
	f.calls = append(f.calls, "write:"+path+"="+data)
	return nil
}
func (f *fakeRunner) PciRescan(ctx context.Context) error {
	f.calls = append(f.calls, "rescan")
	return nil
}
func (f *fakeRunner) PciRemove(ctx context.Context, addr gfxtypes.DBDF) error {
	f.calls = append(f.calls, "remove:"+string(addr))
	return nil
}
func (f *fakeRunner) DriverOverride(ctx context.Context, addr gfxtypes.DBDF, driver string) error {
	f.calls = append(f.calls, "override:"+string(addr)+"="+driver)
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
	f.calls = append(f.calls, "pm:"+string(addr)+"="+state)
	return nil
}
func (f *fakeRunner) DeviceVisible(ctx context.Context, addr gfxtypes.DBDF) (bool, error) {
	f.visibleCalls++
	return f.visibleCalls > f.visibleAfter, nil
}

type fakeSession struct {
	active bool
}

func (f *fakeSession) GraphicalSessionsActive(ctx context.Context) (bool, error) {
	return f.active, nil
}

func (s *ExecSuite) TestRunSucceeds(c *C) {
	r := &fakeRunner{}
	e := New(r, &fakeSession{}, nil)
	res := plan.Result{Actions: []plan.Action{
		{Kind: plan.UnloadModule, Module: "nvidia"},
		{Kind: plan.PciRemove, Address: "0000:01:00.0"},
	}}
	err := e.Run(context.Background(), gfxtypes.ModeHybrid, gfxtypes.ModeIntegrated, &gfxtypes.HardwareProfile{}, &gfxtypes.Config{}, res)
	c.Assert(err, IsNil)
	c.Check(r.calls, DeepEquals, []string{"unload:nvidia", "remove:0000:01:00.0"})
}

func (s *ExecSuite) TestRetryThenSucceed(c *C) {
	r := &fakeRunner{failUnbind: 2}
	e := New(r, &fakeSession{}, nil)
	res := plan.Result{Actions: []plan.Action{{Kind: plan.UnloadModule, Module: "nvidia"}}}
	err := e.Run(context.Background(), gfxtypes.ModeHybrid, gfxtypes.ModeIntegrated, &gfxtypes.HardwareProfile{}, &gfxtypes.Config{}, res)
	c.Assert(err, IsNil)
	c.Check(len(r.calls), Equals, 3)
}

func (s *ExecSuite) TestRetryExhaustedReturnsError(c *C) {
	r := &fakeRunner{failUnbind: len(Backoff) + 1}
	e := New(r, &fakeSession{}, nil)
	res := plan.Result{Actions: []plan.Action{{Kind: plan.UnloadModule, Module: "nvidia"}}}
	err := e.Run(context.Background(), gfxtypes.ModeHybrid, gfxtypes.ModeIntegrated, &gfxtypes.HardwareProfile{}, &gfxtypes.Config{}, res)
	c.Assert(err, NotNil)
}

func (s *ExecSuite) TestCheckNoGraphicalSessionsBusy(c *C) {
	r := &fakeRunner{}
	e := New(r, &fakeSession{active: true}, nil)
	res := plan.Result{Actions: []plan.Action{{Kind: plan.CheckNoGraphicalSessions}}}
	err := e.Run(context.Background(), gfxtypes.ModeHybrid, gfxtypes.ModeIntegrated, &gfxtypes.HardwareProfile{}, &gfxtypes.Config{}, res)
	c.Assert(err, FitsTypeOf, &gfxtypes.ErrBusy{})
}

func (s *ExecSuite) TestFatalFailureTriggersRollback(c *C) {
	r := &fakeRunner{failUnbind: 1}
	e := New(r, &fakeSession{}, nil)
	e.Classify = func(err error) FailureKind { return FailureFatal }

	profile := &gfxtypes.HardwareProfile{
		DgpuAddress: "0000:01:00.0",
		DgpuVendor:  gfxtypes.VendorNvidia,
		Supported: map[gfxtypes.Mode]bool{
			gfxtypes.ModeIntegrated: true,
			gfxtypes.ModeHybrid:     true,
		},
	}
	res := plan.Result{Actions: []plan.Action{{Kind: plan.UnloadModule, Module: "nvidia"}}}
	err := e.Run(context.Background(), gfxtypes.ModeHybrid, gfxtypes.ModeIntegrated, profile, &gfxtypes.Config{}, res)
	c.Assert(err, NotNil)
	// The original action ran once, then the rollback plan (Hybrid from
	// Integrated) ran its own actions on top.
	c.Check(len(r.calls) > 1, Equals, true)
}

func (s *ExecSuite) TestWaitDeviceVisibleTimesOut(c *C) {
	r := &fakeRunner{visibleAfter: 1000}
	e := New(r, &fakeSession{}, nil)
	e.Classify = func(err error) FailureKind { return FailureFatal } // skip the retry loop, one 2s wait is enough
	res := plan.Result{Actions: []plan.Action{{Kind: plan.PciRescan, Address: "0000:01:00.0"}}}
	err := e.Run(context.Background(), gfxtypes.ModeIntegrated, gfxtypes.ModeHybrid, &gfxtypes.HardwareProfile{DgpuAddress: "0000:01:00.0"}, &gfxtypes.Config{}, res)
	c.Assert(err, FitsTypeOf, &gfxtypes.ErrHardwareDisappeared{})
}
