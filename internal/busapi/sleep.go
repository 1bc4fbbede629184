package busapi

import (
	"github.com/godbus/dbus/v5"

	"github.com/canonical/supergfxd/internal/gfxrpc"
	"github.com/canonical/supergfxd/logger"
)

const (
	logindDest = "org.freedesktop.login1"
	logindPath = "/org/freedesktop/login1"
	logindMgr  = "org.freedesktop.login1.Manager"
)

// sleepWatcher subscribes to logind's PrepareForSleep(false) — the
// resume edge — and calls the controller's ReprobeOnResume hook
// (gfxrpc.Resumer). This is the real wiring session.Logind.OnResume
// documents as a stub: the callback lives here because only the bus
// connection layer receives signals.
type sleepWatcher struct {
	conn   *dbus.Conn
	ctrl   gfxrpc.Controller
	signal chan *dbus.Signal
	done   chan struct{}
}

func newSleepWatcher(conn *dbus.Conn, ctrl gfxrpc.Controller) *sleepWatcher {
	return &sleepWatcher{conn: conn, ctrl: ctrl, done: make(chan struct{})}
}

func (w *sleepWatcher) subscribe() error {
	call := w.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+logindMgr+"',member='PrepareForSleep',path='"+logindPath+"'")
	if call.Err != nil {
		return call.Err
	}
	w.signal = make(chan *dbus.Signal, 4)
	w.conn.Signal(w.signal)

	go func() {
		for {
			select {
			case sig, ok := <-w.signal:
				if !ok {
					return
				}
				w.handle(sig)
			case <-w.done:
				return
			}
		}
	}()
	return nil
}

func (w *sleepWatcher) handle(sig *dbus.Signal) {
	if sig.Name != logindMgr+".PrepareForSleep" {
		return
	}
	if len(sig.Body) != 1 {
		return
	}
	starting, ok := sig.Body[0].(bool)
	if !ok || starting {
		return // only the "waking up" edge triggers a re-probe
	}
	logger.Debugf("busapi: resume signal observed, re-probing hardware")
	if p, ok := w.ctrl.(gfxrpc.Resumer); ok {
		p.ReprobeOnResume()
	}
}

func (w *sleepWatcher) close() {
	close(w.done)
	if w.conn != nil && w.signal != nil {
		w.conn.RemoveSignal(w.signal)
	}
}
