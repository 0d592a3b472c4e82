//go:build linux

// Package dispatch implements the keyboard remapper's state machine: press
// and repeat classification, multi-stroke sequence prefix tracking,
// selection-mode Shift injection, action execution, and reset policy. It
// is the Go translation of x-set-keys.c's xsk_handle_key_press,
// xsk_handle_key_repeat, and the _send_key_events family.
package dispatch

import (
	"fmt"
	"time"

	"github.com/andrieee44/xsetkeys/chord"
	"github.com/rs/zerolog/log"
)

// KeyInfo is the subset of *keyinfo.Info the dispatcher needs: key
// classification and chord composition. Depending on the interface instead
// of keyinfo.Info directly keeps this package's tests free of any X11
// connection.
type KeyInfo interface {
	IsModifier(code uint8) bool
	IsRegularModifier(code uint8) bool
	IsCursor(code uint8) bool
	ModifierKeyCode(mod chord.Modifier) uint8
	ComposeChord(keyCode uint8, pressed map[uint16]struct{}) chord.Chord
}

// KeyEmitter is the subset of *uinput.Device the dispatcher needs to
// replay key events and query what it has already pressed.
//
// SendKeyEventTemporary must not change what a later IsPressed reports: it
// backs the modifier release/re-press wrapped around an emitted action, the
// codes an action program emits, and the selection-mode Shift wrap, all of
// which mirror the original's _send_event is_temporary=TRUE writes.
type KeyEmitter interface {
	SendKeyEvent(code uint16, press bool) error
	SendKeyEventTemporary(code uint16, press bool) error
	IsPressed(code uint16) bool
}

// Result is what the caller (the device pump) should do after handing a
// key event to the state machine.
type Result int

const (
	// Unconsumed means the caller must forward the original event to
	// uinput unchanged.
	Unconsumed Result = iota

	// Consumed means the state machine already emitted whatever output
	// was needed (or deliberately emitted nothing); the caller must not
	// forward the original event.
	Consumed
)

// Excluder reports whether remapping is currently suppressed by an
// environment watcher (focused window class or active input method).
type Excluder interface {
	Excluded() bool
}

// Default repeat timing, used until a real Xkb controls snapshot is
// available. These match X's own historical defaults.
const (
	DefaultRepeatDelay    = 660 * time.Millisecond
	DefaultRepeatInterval = 40 * time.Millisecond
)

// State is the dispatcher's mutable state: its position in the keymap
// trie, selection/stopped flags, and the physically- and
// virtually-pressed key sets the spec calls kbd_pressing/uinput_pressing.
type State struct {
	root    *chord.Keymap
	current *chord.Keymap

	info KeyInfo
	out  KeyEmitter

	excluded Excluder

	selectionMode bool
	stoppedMode   bool

	kbdPressing map[uint16]struct{}

	pressStart     map[uint16]time.Time
	repeatDelay    time.Duration
	repeatInterval time.Duration
}

// New builds a dispatcher rooted at keymap. out is the virtual device
// actions are replayed onto; info is the current keyboard/modifier
// classification snapshot; excluded reports the environment watchers'
// combined exclusion state.
func New(keymap *chord.Keymap, info KeyInfo, out KeyEmitter, excluded Excluder) *State {
	return &State{
		root:           keymap,
		current:        keymap,
		info:           info,
		out:            out,
		excluded:       excluded,
		kbdPressing:    make(map[uint16]struct{}, 8),
		pressStart:     make(map[uint16]time.Time, 4),
		repeatDelay:    DefaultRepeatDelay,
		repeatInterval: DefaultRepeatInterval,
	}
}

// SetRepeatTiming overrides the delay/interval used for
// is_after_repeat_delay arithmetic, normally sourced from the X server's
// Xkb controls.
func (s *State) SetRepeatTiming(delay, interval time.Duration) {
	if delay > 0 {
		s.repeatDelay = delay
	}

	if interval > 0 {
		s.repeatInterval = interval
	}
}

// SetKeymap installs a freshly loaded root keymap, used after SIGUSR1 or a
// keyboard mapping change forces a config reload.
func (s *State) SetKeymap(keymap *chord.Keymap) {
	s.root = keymap
	s.current = keymap
}

// SetInfo installs a freshly rebuilt keyinfo snapshot after a modifier
// mapping change.
func (s *State) SetInfo(info KeyInfo) {
	s.info = info
}

// Reset implements the reset policy of spec.md §4.4.3: current_map returns
// to root, and selection_mode is cleared (stopped_mode is untouched; it is
// only changed by an explicit Start/Stop chord).
func (s *State) Reset() {
	s.current = s.root
	s.selectionMode = false
}

// ResetSequence cancels an in-progress multi-stroke sequence without
// touching selection_mode, used when a non-matching non-modifier key is
// pressed mid-sequence.
func (s *State) ResetSequence() {
	s.current = s.root
}

// Stopped reports whether the dispatcher is in pass-through mode.
func (s *State) Stopped() bool {
	return s.stoppedMode
}

// KbdPressing reports the set of physical key codes currently believed
// held, for invariant checks and for composing chords.
func (s *State) KbdPressing() map[uint16]struct{} {
	return s.kbdPressing
}

// HandleEvent is the entry point for one EV_KEY input_event. code and
// value are the event's Code/Value; timestamp is the event's kernel
// timestamp (used for autorepeat delay arithmetic).
func (s *State) HandleEvent(code uint16, value int32, timestamp time.Time) (Result, error) {
	if code == 0 || code > 254 {
		log.Warn().Uint16("code", code).Msg("dispatch: out-of-range key code, dropping")
		return Consumed, nil
	}

	switch {
	case value == 1:
		s.kbdPressing[code] = struct{}{}
		s.pressStart[code] = timestamp

		return s.handlePress(code)
	case value == 0:
		delete(s.kbdPressing, code)
		return Unconsumed, nil
	default:
		return s.handleRepeat(code, timestamp)
	}
}

func (s *State) excludedNow() bool {
	return s.excluded != nil && s.excluded.Excluded()
}

func (s *State) handlePress(code uint16) (Result, error) {
	var (
		ch     chord.Chord
		action *chord.Action
		ok     bool
	)

	if s.excludedNow() {
		return Unconsumed, nil
	}

	ch = s.info.ComposeChord(uint8(code), s.kbdPressing)

	// While stopped, only a Start/Stop chord is recognized; every other
	// key passes through untouched.
	if s.stoppedMode {
		if action, ok = s.root.Lookup(ch); !ok || action.Kind != chord.ActionToggleStopped {
			return Unconsumed, nil
		}
	}

	if action, ok = s.current.Lookup(ch); ok {
		s.current = s.root

		if err := s.execute(action); err != nil {
			return Unconsumed, err
		}

		return Consumed, nil
	}

	if s.info.IsModifier(uint8(code)) {
		return Unconsumed, nil
	}

	s.current = s.root

	if s.selectionMode {
		return s.injectSelection(code)
	}

	return Unconsumed, nil
}

func (s *State) handleRepeat(code uint16, timestamp time.Time) (Result, error) {
	var (
		afterDelay bool
		start      time.Time
		ok         bool
		ch         chord.Chord
		action     *chord.Action
	)

	if start, ok = s.pressStart[code]; !ok {
		start = timestamp
	}

	afterDelay = timestamp.Sub(start) >= s.repeatDelay

	if afterDelay {
		s.pressStart[code] = start.Add(s.repeatInterval)
	}

	if s.excludedNow() || s.stoppedMode {
		return Unconsumed, nil
	}

	if s.out.IsPressed(code) {
		ch = s.info.ComposeChord(uint8(code), s.kbdPressing)

		if action, ok = s.current.Lookup(ch); ok {
			if !afterDelay {
				return Consumed, nil
			}

			if err := s.out.SendKeyEvent(code, false); err != nil {
				return Unconsumed, err
			}

			s.current = s.root

			if err := s.execute(action); err != nil {
				return Unconsumed, err
			}

			return Consumed, nil
		}

		if s.selectionMode {
			return s.injectSelection(code)
		}

		return Unconsumed, nil
	}

	if !afterDelay {
		return Consumed, nil
	}

	return s.handlePress(code)
}

func (s *State) injectSelection(code uint16) (Result, error) {
	var wasPressed bool

	if s.info.IsCursor(uint8(code)) {
		if s.out.IsPressed(shiftCode(s.info)) {
			return Unconsumed, nil
		}

		wasPressed = s.out.IsPressed(code)
		if wasPressed {
			if err := s.out.SendKeyEvent(code, false); err != nil {
				return Unconsumed, err
			}
		}

		if err := s.tapWithShift(code); err != nil {
			return Unconsumed, err
		}

		return Consumed, nil
	}

	if !s.info.IsModifier(uint8(code)) {
		s.selectionMode = false
	}

	return Unconsumed, nil
}

func (s *State) tapWithShift(code uint16) error {
	var shift = shiftCode(s.info)

	if err := s.out.SendKeyEventTemporary(shift, true); err != nil {
		return err
	}

	if err := s.out.SendKeyEventTemporary(code, true); err != nil {
		return err
	}

	if err := s.out.SendKeyEventTemporary(code, false); err != nil {
		return err
	}

	return s.out.SendKeyEventTemporary(shift, false)
}

func shiftCode(info KeyInfo) uint16 {
	return uint16(info.ModifierKeyCode(chord.ModShift))
}

// execute runs action against the current dispatcher state, per spec.md
// §4.4.1.
func (s *State) execute(action *chord.Action) error {
	switch action.Kind {
	case chord.ActionEmit:
		return s.emit(action.Program)
	case chord.ActionMultiStroke:
		s.current = action.Keymap
		return nil
	case chord.ActionToggleSelection:
		s.selectionMode = !s.selectionMode
		return nil
	case chord.ActionToggleStopped:
		s.stoppedMode = !action.Start
		s.Reset()

		return nil
	}

	return fmt.Errorf("dispatch: unknown action kind %v", action.Kind)
}

func (s *State) emit(program chord.Program) error {
	var (
		held     []uint16
		code     uint16
		sequence chord.KeyCodeSequence
	)

	held = s.releaseRegularModifiers()

	for _, sequence = range program {
		if err := s.emitSequence(sequence); err != nil {
			return err
		}
	}

	for _, code = range held {
		if err := s.out.SendKeyEventTemporary(code, true); err != nil {
			return err
		}
	}

	return nil
}

// releaseRegularModifiers temporarily releases every regular modifier key
// currently pressed on the virtual device, returning the codes released so
// they can be re-pressed afterward. This avoids e.g. Ctrl+Tab becoming
// Ctrl+Ctrl+Tab when the user mapped C-i -> Tab while holding Ctrl. The
// release (and its later re-press in emit) uses SendKeyEventTemporary, so
// IsPressed still reports the modifier as held for the rest of the emit
// even though it is momentarily off the wire.
func (s *State) releaseRegularModifiers() []uint16 {
	var (
		mod  chord.Modifier
		code uint16
		held []uint16
	)

	for mod = chord.ModAlt; mod <= chord.ModSuper; mod++ {
		code = uint16(s.info.ModifierKeyCode(mod))
		if code == 0 || !s.out.IsPressed(code) {
			continue
		}

		if err := s.out.SendKeyEventTemporary(code, false); err == nil {
			held = append(held, code)
		}
	}

	return held
}

func (s *State) emitSequence(sequence chord.KeyCodeSequence) error {
	var (
		addShift bool
		shift    uint16
	)

	if len(sequence) > 0 {
		last := sequence[len(sequence)-1]

		shift = shiftCode(s.info)
		addShift = s.selectionMode && s.info.IsCursor(uint8(last)) && !s.out.IsPressed(shift)
	}

	if addShift {
		if err := s.out.SendKeyEventTemporary(shift, true); err != nil {
			return err
		}
	}

	if err := sendNested(s.out, sequence); err != nil {
		return err
	}

	if addShift {
		return s.out.SendKeyEventTemporary(shift, false)
	}

	return nil
}

// sendNested presses each code in order, then releases them in reverse,
// mirroring _send_key_events's recursive balanced nesting: [Ctrl, Tab]
// emits Ctrl-down, Tab-down, Tab-up, Ctrl-up. Every write is temporary:
// these codes are synthesized taps, not the user's real held keys.
func sendNested(out KeyEmitter, codes chord.KeyCodeSequence) error {
	if len(codes) == 0 {
		return nil
	}

	if err := out.SendKeyEventTemporary(codes[0], true); err != nil {
		return err
	}

	if err := sendNested(out, codes[1:]); err != nil {
		return err
	}

	return out.SendKeyEventTemporary(codes[0], false)
}
