//go:build linux

package xenv

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	fcitxBusName    = "org.fcitx.Fcitx"
	fcitxObjectPath = "/inputmethod"
	fcitxInterface  = fcitxBusName + ".InputMethod"
)

// Resetter is the subset of *dispatch.State the Fcitx watcher needs: it
// only ever resets state on an exclusion transition, never reloads a
// keymap.
type Resetter interface {
	Reset()
}

// Fcitx watches the Fcitx input method's current-IM property over the
// session D-Bus and reports whether it is in the caller's exclusion list.
// Because the session bus belongs to the invoking (non-root) user, the
// connection is acquired under a temporarily dropped effective UID taken
// from SUDO_UID, mirroring fcitx.c's seteuid dance.
type Fcitx struct {
	conn     *dbus.Conn
	excluded map[string]struct{}
	reloader Resetter

	isExcluded atomic.Bool

	signals chan *dbus.Signal
	wake    func()
}

// NewFcitx connects to the session bus under the SUDO_UID-identified
// user's effective UID and subscribes to PropertiesChanged on Fcitx's
// input method object. It returns (nil, nil) - not an error - when
// excludedIMs is empty, without looking at SUDO_UID: no -f flag means the
// watcher is simply not constructed. With a non-empty excludedIMs and
// SUDO_UID unset it returns an error.
func NewFcitx(excludedIMs []string, reloader Resetter, wake func()) (*Fcitx, error) {
	var (
		uidString string
		uid       int
		err       error
		original  int
		conn      *dbus.Conn
	)

	if len(excludedIMs) == 0 {
		return nil, nil
	}

	if uidString = os.Getenv("SUDO_UID"); uidString == "" {
		return nil, fmt.Errorf("xenv: -f/--exclude-fcitx-im requires running under sudo (SUDO_UID unset)")
	}

	if uid, err = strconv.Atoi(uidString); err != nil {
		return nil, fmt.Errorf("xenv: invalid SUDO_UID %q: %w", uidString, err)
	}

	original = unix.Geteuid()

	if err = unix.Seteuid(uid); err != nil {
		return nil, fmt.Errorf("xenv: seteuid(%d): %w", uid, err)
	}

	conn, err = dbus.SessionBusPrivate(dbus.WithSignalHandler(nil))
	if err == nil {
		err = conn.Auth(nil)
	}

	if err == nil {
		err = conn.Hello()
	}

	if seteuidErr := unix.Seteuid(original); seteuidErr != nil {
		log.Error().Err(seteuidErr).Msg("xenv: could not restore original effective UID after connecting to the session bus")
	}

	if err != nil {
		return nil, fmt.Errorf("xenv: connecting to session bus: %w (maybe forward DBUS_SESSION_BUS_ADDRESS before sudo)", err)
	}

	f := &Fcitx{
		conn:     conn,
		reloader: reloader,
		signals:  make(chan *dbus.Signal, 16),
		wake:     wake,
	}

	f.excluded = make(map[string]struct{}, len(excludedIMs))
	for _, im := range excludedIMs {
		f.excluded[im] = struct{}{}
	}

	if err = conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(fcitxObjectPath),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xenv: subscribing to Fcitx PropertiesChanged: %w", err)
	}

	conn.Signal(f.signals)

	return f, nil
}

// Excluded reports whether the last-seen current input method is in the
// exclusion list.
func (f *Fcitx) Excluded() bool {
	if f == nil {
		return false
	}

	return f.isExcluded.Load()
}

// Close releases the D-Bus connection.
func (f *Fcitx) Close() error {
	if f == nil {
		return nil
	}

	return f.conn.Close()
}

// Run drains Fcitx's signal channel in its own goroutine, waking the
// reactor through wake whenever a signal arrives. Mirrors Window.Run.
func (f *Fcitx) Run() {
	for range f.signals {
		f.wake()
	}
}

// HandleNext processes every pending Fcitx signal by re-querying the
// current input method, non-blockingly.
func (f *Fcitx) HandleNext() error {
	var drained bool

	for {
		select {
		case <-f.signals:
			drained = true
		default:
			if drained {
				return f.update()
			}

			return nil
		}
	}
}

// update re-queries the current input method and refreshes isExcluded. A
// GetCurrentIM failure (Fcitx exited, its bus name unowned, ...) is logged
// and treated as not-excluded rather than returned, mirroring _update's
// g_critical-and-return in fcitx.c: a transient Fcitx absence must not
// tear down and restart the whole remapper.
func (f *Fcitx) update() error {
	var (
		current string
		err     error
		excl    bool
	)

	obj := f.conn.Object(fcitxBusName, fcitxObjectPath)
	if err = obj.Call(fcitxInterface+".GetCurrentIM", 0).Store(&current); err != nil {
		log.Error().Err(err).Msg("xenv: GetCurrentIM failed, treating as not excluded")

		f.isExcluded.Store(false)

		return nil
	}

	_, excl = f.excluded[current]

	if excl && !f.isExcluded.Load() {
		f.reloader.Reset()
	}

	f.isExcluded.Store(excl)

	log.Debug().Str("input_method", current).Bool("excluded", excl).Msg("xenv: input method changed")

	return nil
}
