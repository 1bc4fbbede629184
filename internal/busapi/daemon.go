// Package busapi exports the mode controller over D-Bus as
// io.supergfxd.Daemon on /io/supergfxd/Daemon, and separately
// subscribes to logind's PrepareForSleep signal to call the
// controller's ReprobeOnResume hook on resume.
//
// Grounded on usersession/userd's Init/Start/Stop/Dying lifecycle
// (tomb.Tomb supervising the connection's lifetime, RequestName after
// every interface is exported to avoid a race between name ownership
// and handler readiness) and its dbusInterface/Export/Introspectable
// pattern, ported from github.com/godbus/dbus to the /v5 import path.
package busapi

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"gopkg.in/tomb.v2"

	"github.com/canonical/supergfxd/internal/gfxrpc"
	"github.com/canonical/supergfxd/logger"
)

const busName = "io.supergfxd.Daemon"

// Daemon owns the system-bus connection and its exported objects.
type Daemon struct {
	tomb tomb.Tomb
	conn *dbus.Conn

	daemonObj *daemonObject
	sleepSub  *sleepWatcher
}

// New builds a Daemon around ctrl; call Init then Start.
func New(ctrl gfxrpc.Controller) *Daemon {
	return &Daemon{daemonObj: &daemonObject{ctrl: ctrl}}
}

// Init connects to the system bus, exports the daemon object and its
// introspection data, subscribes to logind's PrepareForSleep, and
// requests the well-known bus name. It must be called before Start.
func (d *Daemon) Init() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("busapi: connecting to system bus: %w", err)
	}
	d.conn = conn
	d.daemonObj.conn = conn

	xml := "<node>" + d.daemonObj.IntrospectionData() + introspect.IntrospectDataString + "</node>"
	if err := conn.Export(d.daemonObj, d.daemonObj.ObjectPath(), d.daemonObj.Interface()); err != nil {
		return err
	}
	if err := conn.Export(introspect.Introspectable(xml), d.daemonObj.ObjectPath(), "org.freedesktop.DBus.Introspectable"); err != nil {
		return err
	}

	d.sleepSub = newSleepWatcher(conn, d.daemonObj.ctrl)
	if err := d.sleepSub.subscribe(); err != nil {
		logger.Noticef("busapi: could not subscribe to PrepareForSleep: %v", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("busapi: cannot obtain bus name %q", busName)
	}
	return nil
}

// Start runs the connection's lifetime under the tomb; NotifyGfx and
// friends are wired directly into daemonObj by the caller before this
// is invoked (see cmd/supergfxd).
func (d *Daemon) Start() {
	d.tomb.Go(func() error {
		<-d.tomb.Dying()
		if d.sleepSub != nil {
			d.sleepSub.close()
		}
		d.conn.Close()
		err := d.tomb.Err()
		if err != nil && err != tomb.ErrStillAlive {
			return err
		}
		return nil
	})
}

// Stop tears the connection down and waits for Start's goroutine to
// exit.
func (d *Daemon) Stop() error {
	d.tomb.Kill(nil)
	return d.tomb.Wait()
}

// Notifier returns the Notifier the controller should be constructed
// with so its signals reach the bus.
func (d *Daemon) Notifier() *daemonObject {
	return d.daemonObj
}
