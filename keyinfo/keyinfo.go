//go:build linux

// Package keyinfo snapshots the X server's modifier and cursor-key mapping
// into a 256-entry classification table, and composes chord.Chord values
// from the keyboard's current physically-pressed-key state. It is the Go
// counterpart of key-information.c/.h: KIModifier becomes chord.Modifier,
// and the modifier_mask_or_key_kind byte table becomes Info.classify.
package keyinfo

import (
	"fmt"

	"github.com/andrieee44/xsetkeys/chord"
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/rs/zerolog/log"
)

// kindOtherModifier marks a key code that is some modifier (appears in the
// X modifier map) but isn't one of the six slots chord.Modifier recognizes
// (CapsLock, NumLock, ScrollLock, ...). kindCursor marks a cursor-motion key.
// Both live past the highest regular modifier bit (1<<ModSuper), mirroring
// KI_KIND_MODIFIER_OTHER/KI_KIND_CURSOR.
const (
	kindOtherModifier = 1 << chord.NumModifiers
	kindCursor        = kindOtherModifier + 1
)

var modifierNames = [chord.NumModifiers]string{"alt", "control", "hyper", "meta", "shift", "super"}

// Info is a point-in-time snapshot of the X server's keyboard and modifier
// mapping, rebuilt whenever a MappingModifier event arrives.
type Info struct {
	conn *xgb.Conn

	// modifierKeyCode holds, per chord.Modifier slot, the first key code
	// the server's modifier map bound to it (0 if none was found).
	modifierKeyCode [chord.NumModifiers]xproto.Keycode

	// classify maps a key code to 0 (not special), 1<<M for a regular
	// modifier, kindOtherModifier, or kindCursor.
	classify [256]byte

	minKeycode xproto.Keycode
	keysyms    []xproto.Keysym
	perKeycode byte
}

// cursorKeysyms are the keysyms spec.md §4.2 names as cursor-motion keys.
var cursorKeysyms = map[xproto.Keysym]struct{}{
	keysymHome:  {},
	keysymLeft:  {},
	keysymUp:    {},
	keysymRight: {},
	keysymDown:  {},
	keysymPrior: {},
	keysymNext:  {},
	keysymEnd:   {},
	keysymBegin: {},
}

var modifierKeysyms = map[xproto.Keysym]chord.Modifier{
	keysymMetaL:  chord.ModMeta,
	keysymMetaR:  chord.ModMeta,
	keysymAltL:   chord.ModAlt,
	keysymAltR:   chord.ModAlt,
	keysymHyperL: chord.ModHyper,
	keysymHyperR: chord.ModHyper,
	keysymSuperL: chord.ModSuper,
	keysymSuperR: chord.ModSuper,
}

// Initialize queries the server's modifier keymap and full keyboard mapping
// and builds the classification table described in spec.md §4.2.
func Initialize(conn *xgb.Conn) (*Info, error) {
	var (
		info *Info
		err  error
	)

	info = &Info{conn: conn}

	if err = info.loadKeyboardMapping(); err != nil {
		return nil, err
	}

	if err = info.loadModifierMapping(); err != nil {
		return nil, err
	}

	return info, nil
}

// ReloadKeysyms re-fetches the keyboard mapping after a MappingKeyboard
// notify (a keysym remap that leaves the modifier map untouched).
func (info *Info) ReloadKeysyms() error {
	return info.loadKeyboardMapping()
}

// Reload re-fetches both the keyboard and modifier mapping after a
// MappingModifier notify, resetting the classification table from scratch.
func (info *Info) Reload() error {
	var err error

	info.classify = [256]byte{}
	info.modifierKeyCode = [chord.NumModifiers]xproto.Keycode{}

	if err = info.loadKeyboardMapping(); err != nil {
		return err
	}

	return info.loadModifierMapping()
}

func (info *Info) loadKeyboardMapping() error {
	var (
		setup = xproto.Setup(info.conn)
		count byte
		reply *xproto.GetKeyboardMappingReply
		err   error
	)

	info.minKeycode = setup.MinKeycode
	count = byte(setup.MaxKeycode-setup.MinKeycode) + 1

	if reply, err = xproto.GetKeyboardMapping(info.conn, info.minKeycode, count).Reply(); err != nil {
		return fmt.Errorf("keyinfo: GetKeyboardMapping: %w", err)
	}

	info.keysyms = reply.Keysyms
	info.perKeycode = reply.KeysymsPerKeycode

	return nil
}

func (info *Info) loadModifierMapping() error {
	var (
		modmap *xproto.GetModifierMappingReply
		err    error
		row    int
		col    int
		code   xproto.Keycode
		mod    chord.Modifier
		found  bool
	)

	if modmap, err = xproto.GetModifierMapping(info.conn).Reply(); err != nil {
		return fmt.Errorf("keyinfo: GetModifierMapping: %w", err)
	}

	perMod := int(modmap.KeycodesPerModifier)

	for row = 0; row < 8; row++ {
		found = false

		for col = 0; col < perMod; col++ {
			code = modmap.Keycodes[row*perMod+col]
			if code == 0 {
				continue
			}

			info.classify[code] |= kindOtherModifier

			switch row {
			case 0:
				mod, found = chord.ModShift, true
			case 2:
				mod, found = chord.ModControl, true
			default:
				if row < 3 {
					continue
				}

				mod, found = info.keysymModifier(code)
			}

			if !found {
				continue
			}

			if info.modifierKeyCode[mod] != 0 && info.modifierKeyCode[mod] != code {
				log.Warn().Str("modifier", modifierNames[mod]).Int("row", row).
					Msg("keyinfo: multiple key codes classify to the same modifier, keeping the first")

				continue
			}

			info.classify[code] = mod.Bit()
			info.modifierKeyCode[mod] = code
		}
	}

	for mod = chord.ModAlt; mod <= chord.ModSuper; mod++ {
		if info.modifierKeyCode[mod] == 0 {
			log.Warn().Str("modifier", modifierNames[mod]).Msg("keyinfo: no key code bound for modifier")
		}
	}

	info.classifyCursorKeys()

	return nil
}

func (info *Info) keysymModifier(code xproto.Keycode) (chord.Modifier, bool) {
	var (
		sym xproto.Keysym
		mod chord.Modifier
		ok  bool
	)

	for _, sym = range info.keysymsForCode(code) {
		if sym == 0 {
			continue
		}

		if mod, ok = modifierKeysyms[sym]; ok {
			return mod, true
		}
	}

	return 0, false
}

func (info *Info) classifyCursorKeys() {
	var (
		code  xproto.Keycode
		sym   xproto.Keysym
		n     int
		limit = int(info.minKeycode) + len(info.keysyms)/int(max1(info.perKeycode))
	)

	// n is an int so the loop ends after key code 255 instead of wrapping.
	for n = int(info.minKeycode); n < limit && n < len(info.classify); n++ {
		code = xproto.Keycode(n)
		if info.classify[code] != 0 {
			continue
		}

		for _, sym = range info.keysymsForCode(code) {
			if _, ok := cursorKeysyms[sym]; ok {
				info.classify[code] = kindCursor
				break
			}
		}
	}
}

func max1(n byte) byte {
	if n == 0 {
		return 1
	}

	return n
}

func (info *Info) keysymsForCode(code xproto.Keycode) []xproto.Keysym {
	var (
		index int
		end   int
	)

	if info.perKeycode == 0 || code < info.minKeycode {
		return nil
	}

	index = int(code-info.minKeycode) * int(info.perKeycode)
	end = index + int(info.perKeycode)

	if index < 0 || end > len(info.keysyms) {
		return nil
	}

	return info.keysyms[index:end]
}

// IsModifier reports whether code is any kind of modifier key (regular or
// "other").
func (info *Info) IsModifier(code uint8) bool {
	return info.classify[code] != 0 && info.classify[code] <= kindOtherModifier
}

// IsRegularModifier reports whether code is bound to one of the six
// recognized modifier slots.
func (info *Info) IsRegularModifier(code uint8) bool {
	return info.classify[code] != 0 && info.classify[code] < kindOtherModifier
}

// IsCursor reports whether code is classified as a cursor-motion key.
func (info *Info) IsCursor(code uint8) bool {
	return info.classify[code] == kindCursor
}

// ModifierKeyCode returns the canonical key code for mod, or 0 if the
// server never bound one.
func (info *Info) ModifierKeyCode(mod chord.Modifier) uint8 {
	return uint8(info.modifierKeyCode[mod])
}

// ComposeChord builds the Chord for a freshly pressed key code, given the
// set of other key codes currently held down (kbd_pressing minus keyCode
// itself), per spec.md §4.2 "Chord composition".
func (info *Info) ComposeChord(keyCode uint8, pressed map[uint16]struct{}) chord.Chord {
	var (
		mask byte
		code uint16
	)

	for code = range pressed {
		if code == uint16(keyCode) {
			continue
		}

		if info.IsRegularModifier(uint8(code)) {
			mask |= info.classify[code]
		}
	}

	return chord.New(keyCode, mask)
}
