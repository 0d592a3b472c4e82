//go:build linux

// Package xenv implements the two environment watchers of spec.md §4.5:
// a window-focus/keyboard-mapping watcher over the X11 protocol, and an
// input-method watcher over the Fcitx D-Bus interface. Both report a
// combined Excluded() so the dispatcher can suppress remapping while the
// user is in an excluded application or input-method state. It is the Go
// counterpart of window-system.c and fcitx.c.
package xenv

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/rs/zerolog/log"
)

// KeymapReloader is the subset of *dispatch.State a Window watcher needs
// to react to a mapping change: reload keyinfo's classification table,
// rebuild the config-derived keymap against it, and reset dispatch state.
type KeymapReloader interface {
	ReloadKeyboardMapping() error
	ReloadModifierMapping() error
	Reset()
}

// HeldKeys is the subset of *uinput.Device the Window watcher needs to
// release and restore the user's currently-held keys around a keymap
// restore, mirroring ud_get_pressing_keys/ud_send_key_event's use in
// window_system.c's rebind-protection cycle.
type HeldKeys interface {
	PressingKeys() []uint16
	SendKeyEvent(code uint16, press bool) error
}

// mappingBusyRetries/mappingBusyDelay match _set_keyboard_data's retry loop
// around XSetModifierMapping: the server reports MappingBusy while a grab
// is outstanding, and the original just sleeps and retries.
const (
	mappingBusyRetries = 20
	mappingBusyDelay   = 100 * time.Millisecond

	mappingStatusSuccess = 0
	mappingStatusBusy    = 1

	rulesChangeCoalesceWindow = 200 * time.Millisecond
)

// Window watches every root window's PropertyNotify stream for focus and
// keyboard-layout changes, and MappingNotify for keysym/modifier remaps.
type Window struct {
	conn *xgb.Conn

	excludedClasses map[string]struct{}

	activeWindowAtom xproto.Atom
	xkbRulesAtom     xproto.Atom
	wmClassAtom      xproto.Atom

	focusWindow xproto.Window
	excluded    atomic.Bool

	reloader KeymapReloader
	keys     HeldKeys

	rulesChangedAt time.Time
	mu             sync.Mutex

	// snapshot of the keyboard/modifier mapping captured once at startup,
	// restored over any external rebind (e.g. xmodmap) that a rules-change
	// property precedes, per window-system.c's static _keyboard_data. Each
	// snapshot is restored at most once: haveSnapshot is cleared after a
	// restore attempt, as _set_keyboard_data nulls the static fields once it
	// has written them back, and is set again only when a plain modifier
	// reload re-captures the mapping.
	haveSnapshot         bool
	savedMinKeycode      xproto.Keycode
	savedKeysymsPerCode  byte
	savedKeysyms         []xproto.Keysym
	savedKeycodesPerMod  byte
	savedModKeycodes     []xproto.Keycode

	events chan xgbEvent
	wake   func()
}

type xgbEvent struct {
	value any
}

// NewWindow subscribes to PropertyNotify on every screen's root window and
// snapshots the initially focused window's exclusion state, per
// window_system_initialize. keys gives it access to uinput's currently-held
// keys so a later mapping restore (see RulesChangedRecently) can release
// and re-press them around the rewrite; it may be nil in tests that never
// exercise the restore path.
func NewWindow(conn *xgb.Conn, excludedClasses []string, reloader KeymapReloader, keys HeldKeys, wake func()) (*Window, error) {
	var (
		w      *Window
		setup  = xproto.Setup(conn)
		screen xproto.ScreenInfo
		err    error
	)

	w = &Window{
		conn:     conn,
		reloader: reloader,
		keys:     keys,
		wake:     wake,
		events:   make(chan xgbEvent, 64),
	}

	w.excludedClasses = make(map[string]struct{}, len(excludedClasses))
	for _, class := range excludedClasses {
		w.excludedClasses[class] = struct{}{}
	}

	if w.activeWindowAtom, err = internAtom(conn, "_NET_ACTIVE_WINDOW"); err != nil {
		return nil, err
	}

	if w.xkbRulesAtom, err = internAtom(conn, "_XKB_RULES_NAMES"); err != nil {
		return nil, err
	}

	if w.wmClassAtom, err = internAtom(conn, "WM_CLASS"); err != nil {
		return nil, err
	}

	for _, screen = range setup.Roots {
		if err = xproto.ChangeWindowAttributesChecked(
			conn, screen.Root, xproto.CwEventMask,
			[]uint32{xproto.EventMaskPropertyChange},
		).Check(); err != nil {
			return nil, fmt.Errorf("xenv: selecting PropertyChangeMask on root %d: %w", screen.Root, err)
		}
	}

	if w.focusWindow, err = getFocusWindow(conn); err != nil {
		return nil, err
	}

	w.excluded.Store(w.computeExcluded(w.focusWindow))

	if err = w.captureKeyboardData(); err != nil {
		log.Warn().Err(err).Msg("xenv: could not snapshot keyboard mapping at startup, rebind protection disabled")
	}

	return w, nil
}

// captureKeyboardData snapshots the current keysym table and modifier
// mapping, mirroring _get_keyboard_data's one-time startup capture. The
// snapshot is later written back over an external rebind detected by
// RulesChangedRecently, then discarded (haveSnapshot is cleared, like the
// original's static _keyboard_data); handleMapping calls this again after a
// plain modifier reload.
func (w *Window) captureKeyboardData() error {
	var (
		setup       = xproto.Setup(w.conn)
		count       byte
		keyReply    *xproto.GetKeyboardMappingReply
		modReply    *xproto.GetModifierMappingReply
		err         error
	)

	count = byte(setup.MaxKeycode-setup.MinKeycode) + 1

	if keyReply, err = xproto.GetKeyboardMapping(w.conn, setup.MinKeycode, count).Reply(); err != nil {
		return fmt.Errorf("xenv: GetKeyboardMapping: %w", err)
	}

	if modReply, err = xproto.GetModifierMapping(w.conn).Reply(); err != nil {
		return fmt.Errorf("xenv: GetModifierMapping: %w", err)
	}

	w.savedMinKeycode = setup.MinKeycode
	w.savedKeysymsPerCode = keyReply.KeysymsPerKeycode
	w.savedKeysyms = keyReply.Keysyms
	w.savedKeycodesPerMod = modReply.KeycodesPerModifier
	w.savedModKeycodes = modReply.Keycodes
	w.haveSnapshot = true

	return nil
}

func internAtom(conn *xgb.Conn, name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("xenv: InternAtom(%s): %w", name, err)
	}

	return reply.Atom, nil
}

func getFocusWindow(conn *xgb.Conn) (xproto.Window, error) {
	reply, err := xproto.GetInputFocus(conn).Reply()
	if err != nil {
		return 0, fmt.Errorf("xenv: GetInputFocus: %w", err)
	}

	return reply.Focus, nil
}

// Excluded reports whether the currently focused window's class is in the
// exclusion list.
func (w *Window) Excluded() bool {
	return w.excluded.Load()
}

// Run drains WaitForEvent in its own goroutine until the connection
// closes, decoding each event and forwarding it to the events channel,
// waking the poll loop through wake after each send. The caller's reactor
// drains HandleNext from the main loop, never concurrently with Run.
func (w *Window) Run() {
	for {
		event, err := w.conn.WaitForEvent()
		if err != nil {
			log.Warn().Err(err).Msg("xenv: X connection error, window watcher stopping")
			return
		}

		if event == nil {
			return
		}

		select {
		case w.events <- xgbEvent{value: event}:
		default:
			log.Warn().Msg("xenv: X event queue full, dropping event")
		}

		w.wake()
	}
}

// HandleNext processes every X event currently queued, non-blockingly.
// Call this from the main reactor after it wakes on the self-pipe.
func (w *Window) HandleNext() error {
	for {
		select {
		case ev := <-w.events:
			if err := w.dispatch(ev.value); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *Window) dispatch(raw any) error {
	switch ev := raw.(type) {
	case xproto.PropertyNotifyEvent:
		return w.handleProperty(ev)
	case xproto.MappingNotifyEvent:
		return w.handleMapping(ev)
	}

	return nil
}

func (w *Window) handleProperty(ev xproto.PropertyNotifyEvent) error {
	switch ev.Atom {
	case w.activeWindowAtom:
		return w.handleFocusChange()
	case w.xkbRulesAtom:
		w.mu.Lock()
		w.rulesChangedAt = time.Now()
		w.mu.Unlock()
	}

	return nil
}

func (w *Window) handleFocusChange() error {
	focus, err := getFocusWindow(w.conn)
	if err != nil {
		log.Warn().Err(err).Msg("xenv: could not read input focus, skipping this change")
		return nil
	}

	w.focusWindow = focus

	excluded := w.computeExcluded(focus)
	if excluded && !w.excluded.Load() {
		w.reloader.Reset()
	}

	w.excluded.Store(excluded)

	return nil
}

// computeExcluded walks up the window tree from window looking for a
// WM_CLASS property, stopping at the root (treated as not excluded) if
// none is found, per spec.md §4.5's "walk up until class hint found,
// supplemented: stop at root, log, treat as not excluded on failure".
func (w *Window) computeExcluded(window xproto.Window) bool {
	var (
		current = window
		setup   = xproto.Setup(w.conn)
		depth   int
	)

	if window == 0 {
		return false
	}

	for depth = 0; depth < 32; depth++ {
		class, ok := w.classHint(current)
		if ok {
			_, excluded := w.excludedClasses[class]
			return excluded
		}

		if isRootWindow(setup, current) {
			return false
		}

		tree, err := xproto.QueryTree(w.conn, current).Reply()
		if err != nil || tree.Parent == 0 {
			log.Warn().Msg("xenv: could not walk window tree to a class hint, treating as not excluded")
			return false
		}

		current = tree.Parent
	}

	log.Warn().Msg("xenv: window tree walk exceeded depth limit, treating as not excluded")

	return false
}

func isRootWindow(setup *xproto.SetupInfo, window xproto.Window) bool {
	for _, screen := range setup.Roots {
		if screen.Root == window {
			return true
		}
	}

	return false
}

// classHint reads WM_CLASS and returns its second (class) string, the
// convention ICCCM clients use for the application's class name.
func (w *Window) classHint(window xproto.Window) (string, bool) {
	reply, err := xproto.GetProperty(w.conn, false, window, w.wmClassAtom, xproto.AtomString, 0, 1024).Reply()
	if err != nil || reply.ValueLen == 0 {
		return "", false
	}

	parts := splitNulTerminated(reply.Value)
	if len(parts) < 2 {
		return "", false
	}

	return parts[1], true
}

func splitNulTerminated(data []byte) []string {
	var (
		parts []string
		start int
		i     int
	)

	for i = range data {
		if data[i] == 0 {
			parts = append(parts, string(data[start:i]))
			start = i + 1
		}
	}

	if start < len(data) {
		parts = append(parts, string(data[start:]))
	}

	return parts
}

func (w *Window) handleMapping(ev xproto.MappingNotifyEvent) error {
	switch ev.Request {
	case xproto.MappingKeyboard:
		if err := w.reloader.ReloadKeyboardMapping(); err != nil {
			return fmt.Errorf("xenv: reloading keyboard mapping: %w", err)
		}
	case xproto.MappingModifier:
		if w.haveSnapshot && w.RulesChangedRecently(rulesChangeCoalesceWindow) {
			if err := w.restoreKeyboardData(); err != nil {
				log.Warn().Err(err).Msg("xenv: restoring pre-change keyboard mapping failed")
			}

			return nil
		}

		if err := w.reloader.ReloadModifierMapping(); err != nil {
			return fmt.Errorf("xenv: reloading modifier mapping: %w", err)
		}

		w.reloader.Reset()

		// A plain modifier change (no preceding rules rewrite) is a normal
		// reload; re-snapshot from the now-current state so a future
		// external rebind still has something fresh to restore.
		if err := w.captureKeyboardData(); err != nil {
			log.Warn().Err(err).Msg("xenv: could not re-snapshot keyboard mapping after reload")
		}
	}

	return nil
}

// RulesChangedRecently reports whether an _XKB_RULES_NAMES property change
// was observed within the last window, used to decide whether a following
// MappingNotify is part of an external keymap rewrite (e.g. xmodmap) that
// deserves a keymap snapshot/restore cycle.
func (w *Window) RulesChangedRecently(window time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return !w.rulesChangedAt.IsZero() && time.Since(w.rulesChangedAt) < window
}

// restoreKeyboardData releases uinput's held keys, writes the startup
// keysym table and modifier mapping back over whatever an external tool
// (e.g. xmodmap) just installed, then re-presses the held keys, mirroring
// _set_keyboard_data's rebind-protection cycle in window-system.c. The
// restore fires at most once per captured snapshot: haveSnapshot is
// cleared afterward, whether or not the writes succeeded, same as the
// original nulling its static snapshot.
func (w *Window) restoreKeyboardData() error {
	var held []uint16

	if w.keys != nil {
		held = w.keys.PressingKeys()

		for _, code := range held {
			if err := w.keys.SendKeyEvent(code, false); err != nil {
				log.Warn().Err(err).Uint16("code", code).Msg("xenv: releasing held key before mapping restore")
			}
		}
	}

	keyErr := w.writeKeyboardMapping()
	modErr := w.writeModifierMapping()

	for _, code := range held {
		if err := w.keys.SendKeyEvent(code, true); err != nil {
			log.Warn().Err(err).Uint16("code", code).Msg("xenv: re-pressing held key after mapping restore")
		}
	}

	w.haveSnapshot = false

	if keyErr != nil {
		return keyErr
	}

	return modErr
}

func (w *Window) writeKeyboardMapping() error {
	if w.savedKeysymsPerCode == 0 {
		return nil
	}

	count := byte(len(w.savedKeysyms) / int(w.savedKeysymsPerCode))

	if err := xproto.ChangeKeyboardMappingChecked(
		w.conn, count, w.savedMinKeycode, w.savedKeysymsPerCode, w.savedKeysyms,
	).Check(); err != nil {
		return fmt.Errorf("xenv: ChangeKeyboardMapping: %w", err)
	}

	if err := w.reloader.ReloadKeyboardMapping(); err != nil {
		return fmt.Errorf("xenv: reloading keyboard mapping after restore: %w", err)
	}

	return nil
}

func (w *Window) writeModifierMapping() error {
	if w.savedKeycodesPerMod == 0 {
		return nil
	}

	for attempt := 0; attempt < mappingBusyRetries; attempt++ {
		reply, err := xproto.SetModifierMapping(w.conn, w.savedKeycodesPerMod, w.savedModKeycodes).Reply()
		if err != nil {
			return fmt.Errorf("xenv: SetModifierMapping: %w", err)
		}

		switch reply.Status {
		case mappingStatusSuccess:
			if err := w.reloader.ReloadModifierMapping(); err != nil {
				return fmt.Errorf("xenv: reloading modifier mapping after restore: %w", err)
			}

			w.reloader.Reset()

			return nil
		case mappingStatusBusy:
			time.Sleep(mappingBusyDelay)
			continue
		default:
			return fmt.Errorf("xenv: SetModifierMapping: server rejected restored mapping (status %d)", reply.Status)
		}
	}

	return fmt.Errorf("xenv: SetModifierMapping: still MappingBusy after %d retries", mappingBusyRetries)
}
