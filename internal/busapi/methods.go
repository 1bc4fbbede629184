package busapi

import (
	"github.com/godbus/dbus/v5"

	"github.com/canonical/supergfxd/internal/gfxrpc"
	"github.com/canonical/supergfxd/internal/gfxtypes"
)

const daemonIntrospectionXML = `
<interface name="io.supergfxd.Daemon">
	<method name="GetMode">
		<arg type="s" name="mode" direction="out"/>
	</method>
	<method name="SetMode">
		<arg type="s" name="mode" direction="in"/>
		<arg type="s" name="required_action" direction="out"/>
	</method>
	<method name="GetSupported">
		<arg type="as" name="modes" direction="out"/>
	</method>
	<method name="GetVendor">
		<arg type="s" name="vendor" direction="out"/>
	</method>
	<method name="GetPowerStatus">
		<arg type="s" name="status" direction="out"/>
	</method>
	<method name="GetVersion">
		<arg type="s" name="version" direction="out"/>
	</method>
	<method name="PendingMode">
		<arg type="s" name="mode" direction="out"/>
	</method>
	<method name="PendingUserAction">
		<arg type="s" name="action" direction="out"/>
	</method>
	<method name="GetConfig">
		<arg type="s" name="mode" direction="out"/>
		<arg type="b" name="vfio_enable" direction="out"/>
		<arg type="b" name="vfio_save" direction="out"/>
		<arg type="b" name="always_reboot" direction="out"/>
		<arg type="b" name="no_logind" direction="out"/>
		<arg type="t" name="logout_timeout_s" direction="out"/>
		<arg type="s" name="hotplug_type" direction="out"/>
	</method>
	<method name="SetConfig">
		<arg type="s" name="mode" direction="in"/>
		<arg type="b" name="vfio_enable" direction="in"/>
		<arg type="b" name="vfio_save" direction="in"/>
		<arg type="b" name="always_reboot" direction="in"/>
		<arg type="b" name="no_logind" direction="in"/>
		<arg type="t" name="logout_timeout_s" direction="in"/>
		<arg type="s" name="hotplug_type" direction="in"/>
	</method>
	<method name="GetLastError">
		<arg type="s" name="message" direction="out"/>
	</method>
	<signal name="NotifyGfx">
		<arg type="s" name="mode"/>
	</signal>
	<signal name="NotifyAction">
		<arg type="s" name="action"/>
	</signal>
	<signal name="NotifyGfxStatus">
		<arg type="s" name="status"/>
	</signal>
	<signal name="NotifyError">
		<arg type="s" name="message"/>
	</signal>
</interface>`

// daemonObject implements the exported io.supergfxd.Daemon interface
// and gfxrpc.Notifier, so the same value both answers method calls and
// emits the resulting signals.
type daemonObject struct {
	conn *dbus.Conn
	ctrl gfxrpc.Controller
}

func (o *daemonObject) Interface() string        { return "io.supergfxd.Daemon" }
func (o *daemonObject) ObjectPath() dbus.ObjectPath { return "/io/supergfxd/Daemon" }
func (o *daemonObject) IntrospectionData() string { return daemonIntrospectionXML }

func (o *daemonObject) GetMode() (string, *dbus.Error) {
	return o.ctrl.GetMode().String(), nil
}

func (o *daemonObject) SetMode(mode string) (string, *dbus.Error) {
	m, err := gfxtypes.ParseMode(mode)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	action, err := o.ctrl.SetMode(m)
	if err != nil {
		return "", errToDbus(err)
	}
	return action.String(), nil
}

func (o *daemonObject) GetSupported() ([]string, *dbus.Error) {
	modes := o.ctrl.GetSupported()
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = m.String()
	}
	return out, nil
}

func (o *daemonObject) GetVendor() (string, *dbus.Error) {
	return o.ctrl.GetVendor().String(), nil
}

func (o *daemonObject) GetPowerStatus() (string, *dbus.Error) {
	return o.ctrl.GetPowerStatus().String(), nil
}

func (o *daemonObject) GetVersion() (string, *dbus.Error) {
	return o.ctrl.GetVersion(), nil
}

func (o *daemonObject) PendingMode() (string, *dbus.Error) {
	m, ok := o.ctrl.PendingMode()
	if !ok {
		return "", nil
	}
	return m.String(), nil
}

func (o *daemonObject) PendingUserAction() (string, *dbus.Error) {
	return o.ctrl.PendingAction().String(), nil
}

func (o *daemonObject) GetConfig() (string, bool, bool, bool, bool, uint64, string, *dbus.Error) {
	cfg := o.ctrl.GetConfig()
	return cfg.Mode.String(), cfg.VfioEnable, cfg.VfioSave, cfg.AlwaysReboot, cfg.NoLogind, cfg.LogoutTimeoutS, cfg.HotplugType.String(), nil
}

func (o *daemonObject) SetConfig(mode string, vfioEnable, vfioSave, alwaysReboot, noLogind bool, logoutTimeoutS uint64, hotplugType string) *dbus.Error {
	m, err := gfxtypes.ParseMode(mode)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	var hp gfxtypes.HotplugType
	switch hotplugType {
	case "asus":
		hp = gfxtypes.HotplugAsus
	case "std":
		hp = gfxtypes.HotplugStd
	case "none":
		hp = gfxtypes.HotplugNone
	default:
		return errToDbus(&gfxtypes.ErrConfigInvalid{Field: "hotplug_type"})
	}
	cfg := gfxtypes.Config{
		Mode:           m,
		VfioEnable:     vfioEnable,
		VfioSave:       vfioSave,
		AlwaysReboot:   alwaysReboot,
		NoLogind:       noLogind,
		LogoutTimeoutS: logoutTimeoutS,
		HotplugType:    hp,
	}
	if err := o.ctrl.SetConfig(cfg); err != nil {
		return errToDbus(err)
	}
	return nil
}

// GetLastError returns the error from the most recent failed or
// timed-out transition, empty if there was none, so a caller that
// only received a NotifyError signal name can fetch the message.
func (o *daemonObject) GetLastError() (string, *dbus.Error) {
	if err := o.ctrl.LastError(); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

// NotifyGfx, NotifyAction, NotifyGfxStatus and NotifyError implement
// controller.Notifier by emitting the matching bus signal.
func (o *daemonObject) NotifyGfx(m gfxtypes.Mode) {
	o.emit("NotifyGfx", m.String())
}

func (o *daemonObject) NotifyAction(a gfxtypes.RequiredUserAction) {
	o.emit("NotifyAction", a.String())
}

func (o *daemonObject) NotifyGfxStatus(p gfxtypes.PowerStatus) {
	o.emit("NotifyGfxStatus", p.String())
}

func (o *daemonObject) NotifyError(err error) {
	if err == nil {
		return
	}
	o.emit("NotifyError", err.Error())
}

func (o *daemonObject) emit(signal string, args ...interface{}) {
	if o.conn == nil {
		return
	}
	o.conn.Emit(o.ObjectPath(), o.Interface()+"."+signal, args...)
}

// errToDbus maps the typed core errors from gfxtypes to CLI-adjacent
// D-Bus error names; spec.md §6.4's exit codes are derived from these
// on the CLI side of the same bus call.
func errToDbus(err error) *dbus.Error {
	switch err.(type) {
	case *gfxtypes.ErrUnsupported:
		return &dbus.Error{Name: "io.supergfxd.Error.Unsupported", Body: []interface{}{err.Error()}}
	case *gfxtypes.ErrBusy:
		return &dbus.Error{Name: "io.supergfxd.Error.Busy", Body: []interface{}{err.Error()}}
	case *gfxtypes.ErrLogoutTimedOut:
		return &dbus.Error{Name: "io.supergfxd.Error.LogoutTimedOut", Body: []interface{}{err.Error()}}
	case *gfxtypes.ErrHardwareAbsent:
		return &dbus.Error{Name: "io.supergfxd.Error.HardwareAbsent", Body: []interface{}{err.Error()}}
	case *gfxtypes.ErrConfigInvalid:
		return &dbus.Error{Name: "io.supergfxd.Error.ConfigInvalid", Body: []interface{}{err.Error()}}
	default:
		return dbus.MakeFailedError(err)
	}
}
