// Package hwprobe enumerates PCI devices through sysfs to find the
// discrete GPU and the ASUS platform knobs, producing a
// gfxtypes.HardwareProfile and an inferred initial Mode. It never
// mutates anything; the executor is the only package that writes to
// sysfs.
//
// Grounded on original_source/src/pci_device.rs (Device::find, the
// boot_vga/PCI_ID/ID_MODEL_FROM_DATABASE fallback chain) and
// original_source/src/special_asus.rs (platform sysfs knob probing).
// The pack carries no Go udev binding (github.com/gvalkov/golang-evdev
// only covers input devices), so this walks
// /sys/bus/pci/devices directly instead of shelling out to udevadm —
// see DESIGN.md.
package hwprobe

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/canonical/supergfxd/internal/gfxtypes"
	"github.com/canonical/supergfxd/internal/sysfsio"
	"github.com/canonical/supergfxd/logger"
)

// ErrNoDgpu is returned (not fatal) when no PCI display device from a
// known discrete vendor is present.
var ErrNoDgpu = errors.New("hwprobe: no dgpu found")

// Paths lets tests point the prober at a fake sysfs tree.
type Paths struct {
	PCIBus       string // e.g. /sys/bus/pci/devices
	AsusPlatform string // e.g. /sys/bus/platform/devices/asus-nb-wmi
	ProcCmdline  string // e.g. /proc/cmdline
}

// DefaultPaths returns the real system paths.
func DefaultPaths() Paths {
	return Paths{
		PCIBus:       "/sys/bus/pci/devices",
		AsusPlatform: "/sys/bus/platform/devices/asus-nb-wmi",
		ProcCmdline:  "/proc/cmdline",
	}
}

// Prober probes the running machine's graphics hardware.
type Prober struct {
	Paths Paths
}

// New returns a Prober configured to walk the real system's sysfs.
func New() *Prober {
	return &Prober{Paths: DefaultPaths()}
}

type pciDevice struct {
	address  gfxtypes.DBDF
	syspath  string
	class    string // e.g. 0x030000
	vendorID uint16
	bootVga  bool
	driver   string // basename of the driver symlink target, "" if unbound
}

// Probe walks the PCI bus and ASUS platform sysfs tree and returns
// the resulting hardware profile plus the mode inferred from current
// device state.
func (p *Prober) Probe(cfg *gfxtypes.Config) (*gfxtypes.HardwareProfile, gfxtypes.Mode, error) {
	devices, err := p.scanPCI()
	if err != nil {
		logger.Debugf("hwprobe: pci scan failed: %v", err)
	}

	dgpu, found := pickDgpu(devices)

	profile := &gfxtypes.HardwareProfile{
		Supported: map[gfxtypes.Mode]bool{},
	}

	if p.sysfsExists(p.Paths.AsusPlatform, "dgpu_disable") {
		profile.AsusDgpuDisable = filepath.Join(p.Paths.AsusPlatform, "dgpu_disable")
	}
	if p.sysfsExists(p.Paths.AsusPlatform, "egpu_enable") {
		profile.AsusEgpuEnable = filepath.Join(p.Paths.AsusPlatform, "egpu_enable")
	}
	if p.sysfsExists(p.Paths.AsusPlatform, "gpu_mux_mode") {
		profile.AsusGpuMuxMode = filepath.Join(p.Paths.AsusPlatform, "gpu_mux_mode")
	}

	tokens, _ := sysfsio.ReadCmdline(p.Paths.ProcCmdline)
	if v, ok := sysfsio.CmdlineValue(tokens, "nvidia-drm.modeset"); ok {
		profile.NvidiaModeset = v == "1"
	}

	if !found {
		logger.Noticef("hwprobe: %v", ErrNoDgpu)
		return profile, gfxtypes.ModeNone, ErrNoDgpu
	}

	profile.DgpuPresent = true
	profile.DgpuAddress = dgpu.address
	profile.DgpuVendor = gfxtypes.VendorFromPCIID(dgpu.vendorID)

	initial := inferMode(p, dgpu, profile)

	profile.Supported[gfxtypes.ModeIntegrated] = true
	profile.Supported[gfxtypes.ModeHybrid] = true
	if cfg != nil && cfg.VfioEnable {
		profile.Supported[gfxtypes.ModeVfio] = true
		profile.Supported[gfxtypes.ModeCompute] = true
	}
	if profile.AsusEgpuEnable != "" {
		profile.Supported[gfxtypes.ModeAsusEgpu] = true
	}
	if profile.AsusGpuMuxMode != "" {
		profile.Supported[gfxtypes.ModeAsusMuxDgpu] = true
	}
	if profile.NvidiaModeset {
		profile.Supported[gfxtypes.ModeNvidiaNoModeset] = true
	}

	return profile, initial, nil
}

func (p *Prober) sysfsExists(dir, name string) bool {
	if dir == "" {
		return false
	}
	return sysfsio.Exists(filepath.Join(dir, name))
}

// inferMode applies its checks in this order: bound to vfio-pci wins,
// then a bound graphics driver (nvidia/amdgpu/nouveau), then the
// ASUS dgpu_disable==1 or runtime-suspended case, then the ASUS
// MUX/eGPU knobs, then an unbound device as Compute.
func inferMode(p *Prober, dgpu pciDevice, profile *gfxtypes.HardwareProfile) gfxtypes.Mode {
	switch dgpu.driver {
	case "vfio-pci":
		return gfxtypes.ModeVfio
	case "nvidia", "amdgpu", "nouveau":
		return gfxtypes.ModeHybrid
	}

	if profile.AsusDgpuDisable != "" {
		if v, err := sysfsio.ReadFile(profile.AsusDgpuDisable); err == nil && v == "1" {
			return gfxtypes.ModeIntegrated
		}
	}
	control, _ := sysfsio.ReadFile(filepath.Join(dgpu.syspath, "power", "control"))
	status, _ := sysfsio.ReadFile(filepath.Join(dgpu.syspath, "power", "runtime_status"))
	if control == "auto" && status == "suspended" {
		return gfxtypes.ModeIntegrated
	}

	if profile.AsusGpuMuxMode != "" {
		if v, err := sysfsio.ReadFile(profile.AsusGpuMuxMode); err == nil && v == "0" {
			return gfxtypes.ModeAsusMuxDgpu
		}
	}
	if profile.AsusEgpuEnable != "" {
		if v, err := sysfsio.ReadFile(profile.AsusEgpuEnable); err == nil && v == "1" {
			return gfxtypes.ModeAsusEgpu
		}
	}

	// Present on the bus, unbound from any driver, and none of the
	// ASUS/vfio cases above matched: the dGPU was left powered and
	// addressable with no display driver attached, which is what
	// planToVfioOrCompute(bindVfio=false) leaves behind.
	if dgpu.driver == "" {
		return gfxtypes.ModeCompute
	}

	return gfxtypes.ModeNone
}

func pickDgpu(devices []pciDevice) (pciDevice, bool) {
	var best pciDevice
	found := false
	for _, d := range devices {
		if d.vendorID != 0x10DE && d.vendorID != 0x1002 {
			continue
		}
		if d.bootVga {
			// boot_vga==1 means this device drives the panel at boot,
			// i.e. it's the iGPU output path, not the dGPU candidate.
			continue
		}
		if !found {
			best, found = d, true
			continue
		}
		// Prefer Nvidia over AMD when more than one candidate exists.
		if best.vendorID != 0x10DE && d.vendorID == 0x10DE {
			best = d
		}
	}
	return best, found
}

func (p *Prober) scanPCI() ([]pciDevice, error) {
	entries, err := os.ReadDir(p.Paths.PCIBus)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []pciDevice
	for _, e := range entries {
		addr := e.Name()
		devPath := filepath.Join(p.Paths.PCIBus, addr)

		classHex, err := sysfsio.ReadFile(filepath.Join(devPath, "class"))
		if err != nil {
			continue
		}
		if !strings.HasPrefix(classHex, "0x0300") && !strings.HasPrefix(classHex, "0x0302") {
			continue
		}
		vendorHex, err := sysfsio.ReadFile(filepath.Join(devPath, "vendor"))
		if err != nil {
			continue
		}
		vendorID := parseHex16(vendorHex)

		bootVga := false
		if v, err := sysfsio.ReadFile(filepath.Join(devPath, "boot_vga")); err == nil {
			bootVga = v == "1"
		}

		driver := ""
		if target, err := os.Readlink(filepath.Join(devPath, "driver")); err == nil {
			driver = filepath.Base(target)
		}

		out = append(out, pciDevice{
			address:  gfxtypes.DBDF(addr),
			syspath:  devPath,
			class:    classHex,
			vendorID: vendorID,
			bootVga:  bootVga,
			driver:   driver,
		})
	}
	return out, nil
}

func parseHex16(s string) uint16 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
