// Package session coordinates with the systemd-logind session manager
// over D-Bus: it answers whether a graphical session is active, waits
// for logout with a timeout, and holds a sleep inhibitor for the
// duration of a transition.
//
// Grounded on original_source/src/controller.rs
// (graphical_user_sessions_exist's SessionClass/SessionType/
// SessionState filtering, ManagerProxy.ListSessions) ported from
// logind_zbus onto github.com/godbus/dbus/v5, the dbus binding
// snapd's usersession/agent already depends on.
package session

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/canonical/supergfxd/logger"
)

const (
	logindDest = "org.freedesktop.login1"
	logindPath = "/org/freedesktop/login1"
	logindMgr  = "org.freedesktop.login1.Manager"
)

// sessionInfo mirrors one row of Manager.ListSessions's output.
type sessionInfo struct {
	ID   string
	Path dbus.ObjectPath
}

// Coordinator is the interface the mode controller and executor
// depend on; the real implementation talks to logind, tests use a
// scripted fake (spec.md §4.4 "session-manager abstraction").
type Coordinator interface {
	GraphicalSessionsActive(ctx context.Context) (bool, error)
	WaitUntilAllLoggedOut(ctx context.Context, timeout time.Duration) error
	InhibitSleep(ctx context.Context, why string) (release func(), err error)
	OnResume(cb func())
}

// Logind is the real Coordinator backed by org.freedesktop.login1.
type Logind struct {
	NoLogind    bool
	dialContext func(ctx context.Context) (*dbus.Conn, error)
}

// NewLogind returns a Coordinator that talks to the system bus,
// unless noLogind is set, in which case every call is a documented
// no-op per spec.md §4.4.
func NewLogind(noLogind bool) *Logind {
	return &Logind{
		NoLogind: noLogind,
		dialContext: func(ctx context.Context) (*dbus.Conn, error) {
			return dbus.ConnectSystemBus(dbus.WithContext(ctx))
		},
	}
}

func (l *Logind) GraphicalSessionsActive(ctx context.Context) (bool, error) {
	if l.NoLogind {
		return false, nil
	}
	conn, err := l.dialContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sessions, err := l.listSessions(conn)
	if err != nil {
		return false, err
	}
	return anyGraphicalSession(conn, sessions), nil
}

func (l *Logind) listSessions(conn *dbus.Conn) ([]sessionInfo, error) {
	obj := conn.Object(logindDest, dbus.ObjectPath(logindPath))
	var raw [][]interface{}
	if err := obj.Call(logindMgr+".ListSessions", 0).Store(&raw); err != nil {
		return nil, err
	}
	out := make([]sessionInfo, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		id, _ := row[0].(string)
		path, _ := row[4].(dbus.ObjectPath)
		out = append(out, sessionInfo{ID: id, Path: path})
	}
	return out, nil
}

// anyGraphicalSession reports true if any session is class "user",
// type x11/wayland/mir, and state online/active — matching
// graphical_user_sessions_exist in the original daemon.
func anyGraphicalSession(conn *dbus.Conn, sessions []sessionInfo) bool {
	for _, s := range sessions {
		obj := conn.Object(logindDest, s.Path)

		class, err := getStringProp(obj, "org.freedesktop.login1.Session", "Class")
		if err != nil || class != "user" {
			continue
		}
		typ, err := getStringProp(obj, "org.freedesktop.login1.Session", "Type")
		if err != nil {
			continue
		}
		switch typ {
		case "x11", "wayland", "mir":
		default:
			continue
		}
		state, err := getStringProp(obj, "org.freedesktop.login1.Session", "State")
		if err != nil {
			continue
		}
		if state == "online" || state == "active" {
			return true
		}
	}
	return false
}

func getStringProp(obj dbus.BusObject, iface, name string) (string, error) {
	v, err := obj.GetProperty(iface + "." + name)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("session: property %s.%s is not a string", iface, name)
	}
	return s, nil
}

// WaitUntilAllLoggedOut polls every 2s (as a safety net against a
// missed signal) until GraphicalSessionsActive is false or timeout
// elapses. timeout == 0 means wait forever.
func (l *Logind) WaitUntilAllLoggedOut(ctx context.Context, timeout time.Duration) error {
	if l.NoLogind {
		return nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		active, err := l.GraphicalSessionsActive(ctx)
		if err != nil {
			logger.Debugf("session: list sessions failed: %v", err)
		} else if !active {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &timeoutError{}
		case <-ticker.C:
		}
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string { return "session: timed out waiting for logout" }

// IsTimeout reports whether err was returned by WaitUntilAllLoggedOut
// hitting its deadline.
func IsTimeout(err error) bool {
	_, ok := err.(*timeoutError)
	return ok
}

// InhibitSleep acquires a logind sleep inhibitor for the duration of
// a mode transition; release must always be called, including on the
// error path (spec.md §9 "scoped acquisition with guaranteed
// release").
func (l *Logind) InhibitSleep(ctx context.Context, why string) (func(), error) {
	if l.NoLogind {
		return func() {}, nil
	}
	conn, err := l.dialContext(ctx)
	if err != nil {
		return nil, err
	}

	obj := conn.Object(logindDest, dbus.ObjectPath(logindPath))
	var fd dbus.UnixFD
	call := obj.Call(logindMgr+".Inhibit", 0, "sleep", "supergfxd", why, "delay")
	if err := call.Store(&fd); err != nil {
		conn.Close()
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		syscall.Close(int(fd))
		conn.Close()
	}, nil
}

// OnResume is a no-op in this implementation: real hookup happens by
// subscribing to logind's PrepareForSleep signal from
// internal/busapi's connection, which then calls back into the
// controller's ReprobeOnResume method. Kept here to satisfy Coordinator so
// tests can substitute a fake that fires cb synchronously.
func (l *Logind) OnResume(cb func()) {}
