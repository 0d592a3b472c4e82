//go:build linux

package keyinfo

import (
	"fmt"
	"strings"

	"github.com/andrieee44/xsetkeys/chord"
	"github.com/jezek/xgb/xproto"
)

// ParseChord implements chord.Resolver. token has the form
// `(<M>-)*<keysym>` as described in spec.md §4.2 "Chord parsing".
func (info *Info) ParseChord(token string) (chord.Chord, error) {
	var (
		parts   = strings.Split(token, "-")
		keyCode xproto.Keycode
		mask    uint8
		err     error
	)

	if keyCode, err = info.resolveFinalKey(parts[len(parts)-1]); err != nil {
		return 0, err
	}

	if mask, err = info.resolveModifierMask(parts[:len(parts)-1]); err != nil {
		return 0, err
	}

	return chord.New(uint8(keyCode), mask), nil
}

// ParseKeyCodeSequence implements chord.Resolver. Unlike ParseChord, each
// modifier is emitted as its own press-ordered key code rather than folded
// into a mask, and the token's modifier order (not canonical order) is
// preserved, per spec.md §4.2 "Key-code list parsing".
func (info *Info) ParseKeyCodeSequence(token string) (chord.KeyCodeSequence, error) {
	var (
		parts = strings.Split(token, "-")
		seq   chord.KeyCodeSequence
		tok   string
		mod   chord.Modifier
		code  xproto.Keycode
		err   error
		final xproto.Keycode
	)

	seq = make(chord.KeyCodeSequence, 0, len(parts))

	for _, tok = range parts[:len(parts)-1] {
		if mod, err = modifierForToken(tok); err != nil {
			return nil, err
		}

		if mod, err = info.resolveBoundModifier(mod); err != nil {
			return nil, err
		}

		code = info.modifierKeyCode[mod]
		seq = append(seq, uint16(code))
	}

	if final, err = info.resolveFinalKey(parts[len(parts)-1]); err != nil {
		return nil, err
	}

	return append(seq, uint16(final)), nil
}

func (info *Info) resolveFinalKey(name string) (xproto.Keycode, error) {
	var (
		sym xproto.Keysym
		ok  bool
		code xproto.Keycode
	)

	if sym, ok = keysymFromName(name); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}

	if code, ok = info.keycodeForKeysym(sym); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnboundKey, name)
	}

	return code, nil
}

func (info *Info) resolveModifierMask(tokens []string) (uint8, error) {
	var (
		mask uint8
		tok  string
		mod  chord.Modifier
		err  error
	)

	for _, tok = range tokens {
		if mod, err = modifierForToken(tok); err != nil {
			return 0, err
		}

		if mod, err = info.resolveBoundModifier(mod); err != nil {
			return 0, err
		}

		mask |= mod.Bit()
	}

	return mask, nil
}

// resolveBoundModifier returns mod if the server bound it, otherwise tries
// the Alt<->Meta fallback spec.md §4.2 permits, otherwise fails with
// ErrUnboundKey.
func (info *Info) resolveBoundModifier(mod chord.Modifier) (chord.Modifier, error) {
	if info.modifierKeyCode[mod] != 0 {
		return mod, nil
	}

	switch mod {
	case chord.ModAlt:
		if info.modifierKeyCode[chord.ModMeta] != 0 {
			return chord.ModMeta, nil
		}
	case chord.ModMeta:
		if info.modifierKeyCode[chord.ModAlt] != 0 {
			return chord.ModAlt, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrUnboundKey, modifierNames[mod])
}

func modifierForToken(tok string) (chord.Modifier, error) {
	if len(tok) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModifier, tok)
	}

	switch tok[0] {
	case 'A', 'a':
		return chord.ModAlt, nil
	case 'C', 'c':
		return chord.ModControl, nil
	case 'H', 'h':
		return chord.ModHyper, nil
	case 'M', 'm':
		return chord.ModMeta, nil
	case 'S':
		return chord.ModShift, nil
	case 's':
		return chord.ModSuper, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownModifier, tok)
}

// keysymFromName resolves a config token's trailing keysym. Named control
// and motion keys come from namedKeysyms; any other single printable
// ASCII character is its own Latin-1 keysym value.
func keysymFromName(name string) (xproto.Keysym, bool) {
	var sym xproto.Keysym
	var ok bool

	if sym, ok = namedKeysyms[name]; ok {
		return sym, true
	}

	if len([]rune(name)) == 1 {
		r := []rune(name)[0]
		if r >= 0x20 && r <= 0x7e {
			return xproto.Keysym(r), true
		}
	}

	return 0, false
}

// keycodeForKeysym scans the cached keyboard mapping for the first key
// code bound to sym in any column, mirroring keybind.go's keycodeGet.
func (info *Info) keycodeForKeysym(sym xproto.Keysym) (xproto.Keycode, bool) {
	var (
		code   xproto.Keycode
		i      int
		keymax int
	)

	if info.perKeycode == 0 {
		return 0, false
	}

	keymax = len(info.keysyms) / int(info.perKeycode)

	for i = 0; i < keymax; i++ {
		code = info.minKeycode + xproto.Keycode(i)

		for _, s := range info.keysymsForCode(code) {
			if s == sym {
				return code, true
			}
		}
	}

	return 0, false
}
