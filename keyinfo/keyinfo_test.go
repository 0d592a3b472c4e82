//go:build linux

package keyinfo

import (
	"errors"
	"testing"

	"github.com/andrieee44/xsetkeys/chord"
	"github.com/jezek/xgb/xproto"
)

// fixture builds an Info with a hand-rolled keyboard mapping, bypassing the
// X round trip that Initialize needs: minKeycode 8, two keysyms per code,
// covering codes 8..13.
//
//	code  8: Control_L -> (regular modifier, row 2)
//	code  9: Shift_L   -> (regular modifier, row 0)
//	code 10: Alt_L     -> (a row-3..7 modifier classified as regular ModAlt)
//	code 11: 'i'
//	code 12: Tab
//	code 13: Left      -> cursor key
func fixture() *Info {
	info := &Info{
		minKeycode: 8,
		perKeycode: 2,
		keysyms: []xproto.Keysym{
			keysymControlL, 0,
			keysymShiftL, 0,
			keysymAltL, 0,
			xproto.Keysym('i'), 0,
			keysymTab, 0,
			keysymLeft, 0,
		},
	}

	info.classify[8] = chord.ModControl.Bit()
	info.modifierKeyCode[chord.ModControl] = 8

	info.classify[9] = chord.ModShift.Bit()
	info.modifierKeyCode[chord.ModShift] = 9

	info.classify[10] = chord.ModAlt.Bit()
	info.modifierKeyCode[chord.ModAlt] = 10

	info.classifyCursorKeys()

	return info
}

func TestClassifyCursorKeys(t *testing.T) {
	info := fixture()

	if !info.IsCursor(13) {
		t.Fatalf("code 13 (Left) should classify as a cursor key")
	}

	if info.IsCursor(11) {
		t.Fatalf("code 11 ('i') should not classify as a cursor key")
	}

	if info.IsCursor(8) {
		t.Fatalf("a modifier key code should never also classify as a cursor key")
	}
}

func TestIsModifierAndIsRegularModifier(t *testing.T) {
	info := fixture()

	if !info.IsModifier(8) || !info.IsRegularModifier(8) {
		t.Fatalf("code 8 (Control_L) should classify as a regular modifier")
	}

	if info.IsModifier(11) {
		t.Fatalf("code 11 ('i') should not classify as any kind of modifier")
	}
}

func TestComposeChordMasksOnlyRegularModifiers(t *testing.T) {
	var (
		info = fixture()
		ch   chord.Chord
	)

	pressed := map[uint16]struct{}{8: {}, 9: {}, 11: {}}

	ch = info.ComposeChord(11, pressed)

	if ch.KeyCode() != 11 {
		t.Fatalf("KeyCode() = %d, want 11", ch.KeyCode())
	}

	if !ch.Has(chord.ModControl) || !ch.Has(chord.ModShift) {
		t.Fatalf("expected Control and Shift both set in %s", ch)
	}

	if ch.Has(chord.ModAlt) {
		t.Fatalf("Alt was not pressed, should not be set in %s", ch)
	}
}

func TestComposeChordExcludesItsOwnCode(t *testing.T) {
	info := fixture()

	// A modifier's own code must never be folded into its own chord mask.
	ch := info.ComposeChord(8, map[uint16]struct{}{8: {}})

	if ch.Has(chord.ModControl) {
		t.Fatalf("a key's own pressed entry must not set its own modifier bit: %s", ch)
	}
}

func TestParseChordResolvesModifiersAndFinalKey(t *testing.T) {
	var (
		info = fixture()
		ch   chord.Chord
		err  error
	)

	if ch, err = info.ParseChord("C-i"); err != nil {
		t.Fatalf("ParseChord(%q) returned error: %v", "C-i", err)
	}

	if ch.KeyCode() != 11 || !ch.Has(chord.ModControl) {
		t.Fatalf("ParseChord(%q) = %s, want keycode 11 with Control set", "C-i", ch)
	}
}

func TestParseChordAltMetaFallback(t *testing.T) {
	info := fixture()

	// This server only bound Alt_L, not Meta; "M-i" must fall back to Alt.
	ch, err := info.ParseChord("M-i")
	if err != nil {
		t.Fatalf("ParseChord(%q) returned error: %v", "M-i", err)
	}

	if !ch.Has(chord.ModAlt) {
		t.Fatalf("ParseChord(%q) = %s, want the Alt<->Meta fallback to apply", "M-i", ch)
	}
}

func TestParseChordUnboundModifierFails(t *testing.T) {
	info := fixture()

	if _, err := info.ParseChord("s-i"); !errors.Is(err, ErrUnboundKey) {
		t.Fatalf("ParseChord(%q) error = %v, want ErrUnboundKey", "s-i", err)
	}
}

func TestParseChordUnknownKeyFails(t *testing.T) {
	info := fixture()

	if _, err := info.ParseChord("C-Nonexistent"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("ParseChord with an unrecognized key name error = %v, want ErrUnknownKey", err)
	}
}

func TestParseKeyCodeSequencePreservesTokenOrder(t *testing.T) {
	var (
		info = fixture()
		seq  chord.KeyCodeSequence
		err  error
	)

	if seq, err = info.ParseKeyCodeSequence("C-S-Tab"); err != nil {
		t.Fatalf("ParseKeyCodeSequence(%q) returned error: %v", "C-S-Tab", err)
	}

	want := chord.KeyCodeSequence{8, 9, 12}
	if len(seq) != len(want) {
		t.Fatalf("ParseKeyCodeSequence(%q) = %v, want %v", "C-S-Tab", seq, want)
	}

	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("ParseKeyCodeSequence(%q) = %v, want %v", "C-S-Tab", seq, want)
		}
	}
}
