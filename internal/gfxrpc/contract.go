// Package gfxrpc declares the RPC surface from spec.md §6.2 as plain
// Go interfaces, independent of any particular transport. internal/busapi
// implements the D-Bus transport against these contracts;
// internal/controller.Controller satisfies Controller structurally
// without importing this package, the same way snapd's client package
// depends on request/response shapes the daemon package never imports
// back.
//
// Grounded on overlord/state's request/response pattern (a narrow
// interface between the engine and its API layer) and snapd's client
// package's typed method set mirroring the daemon's REST surface.
package gfxrpc

import "github.com/canonical/supergfxd/internal/gfxtypes"

// Controller is the full method set a transport binds to.
type Controller interface {
	GetMode() gfxtypes.Mode
	SetMode(mode gfxtypes.Mode) (gfxtypes.RequiredUserAction, error)
	GetSupported() []gfxtypes.Mode
	GetVendor() gfxtypes.Vendor
	GetPowerStatus() gfxtypes.PowerStatus
	GetVersion() string
	PendingMode() (gfxtypes.Mode, bool)
	PendingAction() gfxtypes.RequiredUserAction
	GetConfig() gfxtypes.Config
	SetConfig(gfxtypes.Config) error
	LastError() error
}

// Notifier is the signal set a transport must forward; it has the
// same method set as controller.Notifier, so any gfxrpc.Notifier
// (busapi's daemon object, for one) can be assigned to
// controller.Controller's Notify field without a wrapper.
type Notifier interface {
	NotifyGfx(gfxtypes.Mode)
	NotifyAction(gfxtypes.RequiredUserAction)
	NotifyGfxStatus(gfxtypes.PowerStatus)
	NotifyError(error)
}

// Resumer is implemented by controllers that can re-probe hardware
// after a suspend/resume cycle; internal/busapi's logind
// PrepareForSleep watcher calls it.
type Resumer interface {
	ReprobeOnResume()
}
