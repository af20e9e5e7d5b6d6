//go:build linux

// Package sdnotify reports daemon state to systemd when running under a
// Type=notify unit. Outside systemd (or off linux) every call is a no-op.
package sdnotify

import "github.com/coreos/go-systemd/v22/daemon"

// Ready tells systemd the service finished starting up.
func Ready() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// Stopping tells systemd shutdown has begun.
func Stopping() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return ok
}

// Status publishes a free-form status line ("systemctl status" shows it).
func Status(msg string) bool {
	ok, _ := daemon.SdNotify(false, "STATUS="+msg)
	return ok
}
