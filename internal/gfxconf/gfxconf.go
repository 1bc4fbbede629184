// Package gfxconf is the persistence collaborator for gfxtypes.Config
// and gfxtypes.PendingState: the core depends only on the
// controller.ConfigStore/PendingStore interfaces, this package is the
// concrete implementation spec.md §2 calls out as external.
//
// Grounded on snappy/click.go's use of goconfigparser for a single
// keyed-text file, and osutil.AtomicWriteFile for the pending-state
// file since a torn write there would strand a transition across a
// reboot.
package gfxconf

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/canonical/supergfxd/internal/gfxtypes"
	"github.com/canonical/supergfxd/osutil"
)

const section = "supergfxd"

// DefaultConfigPath is the well-known config file from spec.md §6.3.
const DefaultConfigPath = "/etc/supergfxd.conf"

// DefaultPendingPath holds the PendingState record across a reboot or
// logout. It lives under /var/lib rather than /etc since it is
// daemon-managed state, not user-edited configuration.
const DefaultPendingPath = "/var/lib/supergfxd/pending.json"

// ConfigFile implements controller.ConfigStore against
// /etc/supergfxd.conf.
type ConfigFile struct {
	Path string
}

// NewConfigFile returns a ConfigFile at the well-known path.
func NewConfigFile() *ConfigFile {
	return &ConfigFile{Path: DefaultConfigPath}
}

// Load reads the config file, applying spec.md §3's defaults for
// anything absent or malformed (a fresh install has no file at all).
func (s *ConfigFile) Load() (*gfxtypes.Config, error) {
	cfg := &gfxtypes.Config{
		Mode:           gfxtypes.ModeHybrid,
		LogoutTimeoutS: gfxtypes.DefaultLogoutTimeoutS,
		HotplugType:    gfxtypes.HotplugStd,
	}

	f, err := os.Open(s.Path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cp := goconfigparser.New()
	if err := cp.Read(f); err != nil {
		return nil, fmt.Errorf("gfxconf: parsing %s: %w", s.Path, err)
	}

	if v, err := cp.Get(section, "mode"); err == nil && v != "" {
		if m, err := gfxtypes.ParseMode(v); err == nil {
			cfg.Mode = m
		}
	}
	cfg.VfioEnable = getBool(cp, "vfio_enable", cfg.VfioEnable)
	cfg.VfioSave = getBool(cp, "vfio_save", cfg.VfioSave)
	cfg.AlwaysReboot = getBool(cp, "always_reboot", cfg.AlwaysReboot)
	cfg.NoLogind = getBool(cp, "no_logind", cfg.NoLogind)
	if v, err := cp.Get(section, "logout_timeout_s"); err == nil && v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.LogoutTimeoutS = n
		}
	}
	if v, err := cp.Get(section, "hotplug_type"); err == nil && v != "" {
		switch strings.ToLower(v) {
		case "std":
			cfg.HotplugType = gfxtypes.HotplugStd
		case "asus":
			cfg.HotplugType = gfxtypes.HotplugAsus
		case "none":
			cfg.HotplugType = gfxtypes.HotplugNone
		}
	}

	return cfg, nil
}

func getBool(cp *goconfigparser.ConfigParser, key string, def bool) bool {
	v, err := cp.Get(section, key)
	if err != nil || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Save serialises cfg back to the ini-style file, atomically.
func (s *ConfigFile) Save(cfg *gfxtypes.Config) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", section)
	fmt.Fprintf(&b, "mode=%s\n", capitalize(cfg.Mode.String()))
	fmt.Fprintf(&b, "vfio_enable=%t\n", cfg.VfioEnable)
	fmt.Fprintf(&b, "vfio_save=%t\n", cfg.VfioSave)
	fmt.Fprintf(&b, "always_reboot=%t\n", cfg.AlwaysReboot)
	fmt.Fprintf(&b, "no_logind=%t\n", cfg.NoLogind)
	fmt.Fprintf(&b, "logout_timeout_s=%d\n", cfg.LogoutTimeoutS)
	fmt.Fprintf(&b, "hotplug_type=%s\n", cfg.HotplugType)
	return osutil.AtomicWriteFile(s.Path, []byte(b.String()), 0644)
}

// capitalize matches spec.md §6.3's "stored capitalised" rule for
// mode names written back to the config file.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// PendingFile implements controller.PendingStore against
// /var/lib/supergfxd/pending.json.
type PendingFile struct {
	Path string
}

// NewPendingFile returns a PendingFile at the well-known path.
func NewPendingFile() *PendingFile {
	return &PendingFile{Path: DefaultPendingPath}
}

// Load returns the persisted PendingState, if any.
func (s *PendingFile) Load() (*gfxtypes.PendingState, bool, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p gfxtypes.PendingState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("gfxconf: parsing %s: %w", s.Path, err)
	}
	return &p, true, nil
}

// Save persists p atomically so a crash mid-write can never leave a
// half-written pending record behind.
func (s *PendingFile) Save(p *gfxtypes.PendingState) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return osutil.AtomicWriteFile(s.Path, data, 0600)
}

// Clear removes the pending record; a missing file is not an error
// since Clear is called unconditionally after every successful
// transition.
func (s *PendingFile) Clear() error {
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
