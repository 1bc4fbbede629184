package gfxconf

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/canonical/supergfxd/internal/gfxtypes"
)

func Test(t *testing.T) { TestingT(t) }

type GfxconfSuite struct{}

var _ = Suite(&GfxconfSuite{})

func (s *GfxconfSuite) TestConfigLoadMissingFileReturnsDefaults(c *C) {
	cf := &ConfigFile{Path: filepath.Join(c.MkDir(), "supergfxd.conf")}
	cfg, err := cf.Load()
	c.Assert(err, IsNil)
	c.Check(cfg.Mode, Equals, gfxtypes.ModeHybrid)
	c.Check(cfg.LogoutTimeoutS, Equals, gfxtypes.DefaultLogoutTimeoutS)
	c.Check(cfg.HotplugType, Equals, gfxtypes.HotplugStd)
}

func (s *GfxconfSuite) TestConfigSaveThenLoadRoundTrips(c *C) {
	cf := &ConfigFile{Path: filepath.Join(c.MkDir(), "supergfxd.conf")}
	want := &gfxtypes.Config{
		Mode:           gfxtypes.ModeVfio,
		VfioEnable:     true,
		VfioSave:       true,
		AlwaysReboot:   true,
		NoLogind:       true,
		LogoutTimeoutS: 45,
		HotplugType:    gfxtypes.HotplugAsus,
	}
	c.Assert(cf.Save(want), IsNil)

	got, err := cf.Load()
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, want)
}

func (s *GfxconfSuite) TestConfigLoadIgnoresMalformedTimeout(c *C) {
	path := filepath.Join(c.MkDir(), "supergfxd.conf")
	body := "[supergfxd]\nmode=Integrated\nlogout_timeout_s=notanumber\n"
	c.Assert(os.WriteFile(path, []byte(body), 0644), IsNil)

	cf := &ConfigFile{Path: path}
	cfg, err := cf.Load()
	c.Assert(err, IsNil)
	c.Check(cfg.Mode, Equals, gfxtypes.ModeIntegrated)
	c.Check(cfg.LogoutTimeoutS, Equals, gfxtypes.DefaultLogoutTimeoutS)
}

func (s *GfxconfSuite) TestPendingSaveLoadClear(c *C) {
	pf := &PendingFile{Path: filepath.Join(c.MkDir(), "pending.json")}

	_, ok, err := pf.Load()
	c.Assert(err, IsNil)
	c.Check(ok, Equals, false)

	want := &gfxtypes.PendingState{TargetMode: gfxtypes.ModeIntegrated, RequiredAction: gfxtypes.ActionLogout, SourceMode: gfxtypes.ModeHybrid}
	c.Assert(pf.Save(want), IsNil)

	got, ok, err := pf.Load()
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Check(got, DeepEquals, want)

	c.Assert(pf.Clear(), IsNil)
	_, ok, err = pf.Load()
	c.Assert(err, IsNil)
	c.Check(ok, Equals, false)

	// Clearing an already-absent file is not an error.
	c.Assert(pf.Clear(), IsNil)
}
