// Package chord implements the keymap's core data model: the Chord value
// type, the Keymap trie it is looked up in, and the line-oriented grammar
// used to load a Keymap from a configuration file.
package chord

import "fmt"

// Modifier is one of the six abstract modifiers a Chord's mask can carry.
type Modifier uint8

const (
	ModAlt Modifier = iota
	ModControl
	ModHyper
	ModMeta
	ModShift
	ModSuper

	// NumModifiers is the count of recognized regular modifiers.
	NumModifiers = int(ModSuper) + 1
)

// Bit returns the modifier's bit within a Chord's modifier mask.
func (m Modifier) Bit() uint8 {
	return 1 << uint8(m)
}

// letters maps each modifier to its chord-literal tag, per spec.md's
// grammar: A/a=Alt, C/c=Control, H/h=Hyper, M/m=Meta, S=Shift, s=Super.
var letters = map[Modifier]byte{
	ModAlt:     'a',
	ModControl: 'c',
	ModHyper:   'h',
	ModMeta:    'm',
	ModShift:   'S',
	ModSuper:   's',
}

// Chord is a 16-bit value carrying an 8-bit evdev key code in its low byte
// and an 8-bit bitmask of abstract modifiers in its high byte. The zero
// Chord is "null", used as a parse-error sentinel.
type Chord uint16

// New composes a Chord from a key code and a modifier bitmask.
func New(keyCode uint8, mods uint8) Chord {
	return Chord(mods)<<8 | Chord(keyCode)
}

// KeyCode returns the chord's key code.
func (c Chord) KeyCode() uint8 {
	return uint8(c)
}

// Mods returns the chord's modifier bitmask.
func (c Chord) Mods() uint8 {
	return uint8(c >> 8)
}

// Has reports whether m is set in the chord's modifier mask.
func (c Chord) Has(m Modifier) bool {
	return c.Mods()&m.Bit() != 0
}

// IsNull reports whether both the key code and modifier mask are zero.
func (c Chord) IsNull() bool {
	return c == 0
}

// String renders the chord in `(<M>-)*<keycode>` form, modifiers in
// canonical Alt/Control/Hyper/Meta/Shift/Super order. Keysym names aren't
// known to this package, so the trailing token is the numeric key code;
// callers that parsed the chord from text should prefer keeping the
// original source string for display.
func (c Chord) String() string {
	var (
		s   string
		mod Modifier
	)

	for mod = ModAlt; mod <= ModSuper; mod++ {
		if c.Has(mod) {
			s += fmt.Sprintf("%c-", letters[mod])
		}
	}

	return fmt.Sprintf("%s%d", s, c.KeyCode())
}

// Sequence is a non-empty ordered sequence of Chords, typically 1-4 long,
// bounded by 8.
type Sequence []Chord

// KeyCodeSequence is an ordered sequence of raw key codes to be emitted as
// press/release events in order.
type KeyCodeSequence []uint16

// Program is an ordered sequence of KeyCodeSequences; each inner sequence
// is emitted as one "tap" producing a logical character, with the outer
// chord's modifiers held across inner presses by the dispatcher.
type Program []KeyCodeSequence
