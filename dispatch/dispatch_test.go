//go:build linux

package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/andrieee44/xsetkeys/chord"
)

// fakeInfo is a minimal KeyInfo double. Key codes 50-55 are the six
// regular modifiers in Alt..Super order; 100 is a cursor key; everything
// else is an ordinary key.
type fakeInfo struct {
	codes [chord.NumModifiers]uint8
}

func newFakeInfo() *fakeInfo {
	return &fakeInfo{codes: [chord.NumModifiers]uint8{50, 51, 52, 53, 54, 55}}
}

func (f *fakeInfo) IsModifier(code uint8) bool {
	return f.IsRegularModifier(code)
}

func (f *fakeInfo) IsRegularModifier(code uint8) bool {
	for _, c := range f.codes {
		if c == code {
			return true
		}
	}

	return false
}

func (f *fakeInfo) IsCursor(code uint8) bool {
	return code == 100
}

func (f *fakeInfo) ModifierKeyCode(mod chord.Modifier) uint8 {
	return f.codes[mod]
}

func (f *fakeInfo) ComposeChord(keyCode uint8, pressed map[uint16]struct{}) chord.Chord {
	var mask uint8

	for code := range pressed {
		if code == uint16(keyCode) {
			continue
		}

		for mod, c := range f.codes {
			if c == uint8(code) {
				mask |= chord.Modifier(mod).Bit()
			}
		}
	}

	return chord.New(keyCode, mask)
}

// fakeOut is a minimal KeyEmitter double recording every emitted event in
// order, and tracking which codes are currently "pressed".
type fakeOut struct {
	pressed map[uint16]bool
	events  []event
}

type event struct {
	code  uint16
	press bool
}

func newFakeOut() *fakeOut {
	return &fakeOut{pressed: make(map[uint16]bool)}
}

func (f *fakeOut) SendKeyEvent(code uint16, press bool) error {
	f.events = append(f.events, event{code, press})
	f.pressed[code] = press

	return nil
}

// SendKeyEventTemporary mirrors uinput.Device's real behavior: the event is
// recorded, but pressed is left untouched.
func (f *fakeOut) SendKeyEventTemporary(code uint16, press bool) error {
	f.events = append(f.events, event{code, press})

	return nil
}

func (f *fakeOut) IsPressed(code uint16) bool {
	return f.pressed[code]
}

const (
	keyCtrl  = 51 // ModControl
	keyShift = 54 // ModShift
	keyI     = 23
	keyTab   = 15
	keyX     = 45
	keyS     = 31
	keyA     = 30
	keyRight = 100 // classified as a cursor key by fakeInfo
	keySpace = 57
)

func emitAction(codes ...uint16) *chord.Action {
	return &chord.Action{Kind: chord.ActionEmit, Program: chord.Program{chord.KeyCodeSequence(codes)}}
}

// TestCtrlIEmitsTabAroundHeldControl is scenario (a) from spec.md §8: with
// C-i mapped to Tab, pressing i while holding Ctrl emits Ctrl-up,
// Tab-down, Tab-up, Ctrl-down (Ctrl is transiently released so the
// application sees a bare Tab).
func TestCtrlIEmitsTabAroundHeldControl(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	if err := root.Insert(chord.Sequence{chord.New(keyI, chord.ModControl.Bit())}, emitAction(keyTab)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)

	now := time.Now()
	if _, err := s.HandleEvent(keyCtrl, 1, now); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	out.pressed[keyCtrl] = true

	res, err := s.HandleEvent(keyI, 1, now)
	if err != nil {
		t.Fatalf("press i: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed, got %v", res)
	}

	want := []event{
		{keyCtrl, false},
		{keyTab, true},
		{keyTab, false},
		{keyCtrl, true},
	}

	if len(out.events) != len(want) {
		t.Fatalf("events = %v, want %v", out.events, want)
	}

	for i := range want {
		if out.events[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v", i, out.events[i], want[i])
		}
	}
}

// TestMultiStrokeConsumesSecondChord is scenario (b): C-x C-s mapped to
// C-s must consume both keys of the sequence and emit only the mapped
// output.
func TestMultiStrokeConsumesSecondChord(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	cx := chord.New(keyX, chord.ModControl.Bit())
	cs := chord.New(keyS, chord.ModControl.Bit())

	if err := root.Insert(chord.Sequence{cx, cs}, emitAction(keyCtrl, keyS)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	now := time.Now()

	if _, err := s.HandleEvent(keyCtrl, 1, now); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	if res, err := s.HandleEvent(keyX, 1, now); err != nil || res != Consumed {
		t.Fatalf("press x: res=%v err=%v", res, err)
	}

	if s.current == s.root {
		t.Fatalf("expected current_map to have advanced into the multi-stroke edge")
	}

	if res, err := s.HandleEvent(keyS, 1, now); err != nil || res != Consumed {
		t.Fatalf("press s: res=%v err=%v", res, err)
	}

	if s.current != s.root {
		t.Fatalf("expected current_map reset to root after the action fired")
	}

	if len(out.events) == 0 {
		t.Fatalf("expected the mapped output to have been emitted")
	}
}

// TestMultiStrokeCancelledByNonMatchingKey is scenario (c): after C-x
// advances into the multi-stroke edge, a plain `a` that doesn't continue
// any sequence must reset to root and be forwarded unconsumed.
func TestMultiStrokeCancelledByNonMatchingKey(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	cx := chord.New(keyX, chord.ModControl.Bit())
	cs := chord.New(keyS, chord.ModControl.Bit())

	if err := root.Insert(chord.Sequence{cx, cs}, emitAction(keyCtrl, keyS)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	now := time.Now()

	if _, err := s.HandleEvent(keyCtrl, 1, now); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	if _, err := s.HandleEvent(keyX, 1, now); err != nil {
		t.Fatalf("press x: %v", err)
	}

	res, err := s.HandleEvent(keyA, 1, now)
	if err != nil {
		t.Fatalf("press a: %v", err)
	}

	if res != Unconsumed {
		t.Fatalf("expected Unconsumed for the cancelling key, got %v", res)
	}

	if s.current != s.root {
		t.Fatalf("expected current_map reset to root after the cancelling key")
	}
}

// TestSelectionModeCursorKeyAddsShift is scenario (d): entering selection
// mode then pressing a cursor key emits Shift-down, key-down, key-up,
// Shift-up.
func TestSelectionModeCursorKeyAddsShift(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	if err := root.Insert(chord.Sequence{chord.New(keySpace, chord.ModControl.Bit())},
		&chord.Action{Kind: chord.ActionToggleSelection}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	now := time.Now()

	if _, err := s.HandleEvent(keyCtrl, 1, now); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	out.pressed[keyCtrl] = true

	if res, err := s.HandleEvent(keySpace, 1, now); err != nil || res != Consumed {
		t.Fatalf("press C-space: res=%v err=%v", res, err)
	}

	if !s.selectionMode {
		t.Fatalf("expected selection mode to be toggled on")
	}

	out.events = nil

	res, err := s.HandleEvent(keyRight, 1, now)
	if err != nil {
		t.Fatalf("press right: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed, got %v", res)
	}

	want := []event{
		{keyShift, true},
		{keyRight, true},
		{keyRight, false},
		{keyShift, false},
	}

	if len(out.events) != len(want) {
		t.Fatalf("events = %v, want %v", out.events, want)
	}

	for i := range want {
		if out.events[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v", i, out.events[i], want[i])
		}
	}
}

// TestAutorepeatWaitsForDelayThenThrottlesToInterval is scenario (e): with
// C-i mapped to Tab, holding Ctrl+i must re-fire Tab on autorepeat only
// once repeat_delay has elapsed since the original press, and then no
// more often than repeat_interval.
func TestAutorepeatWaitsForDelayThenThrottlesToInterval(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	if err := root.Insert(chord.Sequence{chord.New(keyI, chord.ModControl.Bit())}, emitAction(keyTab)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	s.SetRepeatTiming(100*time.Millisecond, 10*time.Millisecond)

	start := time.Now()

	if _, err := s.HandleEvent(keyCtrl, 1, start); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	out.pressed[keyCtrl] = true

	res, err := s.HandleEvent(keyI, 1, start)
	if err != nil || res != Consumed {
		t.Fatalf("press C-i: res=%v err=%v", res, err)
	}

	out.events = nil

	// Before repeat_delay elapses since the original press, a repeat
	// must be swallowed entirely: the original press was consumed (Tab
	// was emitted, not i), so i itself never reached uinput_pressing.
	res, err = s.HandleEvent(keyI, 2, start.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("early repeat: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed (swallowed) before repeat_delay, got %v", res)
	}

	if len(out.events) != 0 {
		t.Fatalf("expected no uinput traffic before repeat_delay, got %v", out.events)
	}

	// Once repeat_delay has elapsed, the mapping re-fires.
	res, err = s.HandleEvent(keyI, 2, start.Add(150*time.Millisecond))
	if err != nil {
		t.Fatalf("repeat after delay: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed, got %v", res)
	}

	if len(out.events) == 0 {
		t.Fatalf("expected Tab to be re-emitted once repeat_delay elapsed")
	}
}

// TestDuplicateInputRejectedAtConfigLoad is scenario (f): a config with
// `C-x :: Tab` and `C-x C-s :: C-s` must fail to load with
// chord.ErrDuplicateInput. This property belongs to the chord package's
// Insert (exercised here end-to-end through the same sequences dispatch
// would build).
func TestDuplicateInputRejectedAtConfigLoad(t *testing.T) {
	var root = chord.NewKeymap()

	cx := chord.New(keyX, chord.ModControl.Bit())
	cs := chord.New(keyS, chord.ModControl.Bit())

	if err := root.Insert(chord.Sequence{cx}, emitAction(keyTab)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err := root.Insert(chord.Sequence{cx, cs}, emitAction(keyCtrl, keyS))
	if !errors.Is(err, chord.ErrDuplicateInput) {
		t.Fatalf("expected ErrDuplicateInput, got %v", err)
	}
}

// TestAutorepeatMatchedBranchAlsoWaitsForDelay is a regression test for the
// "key already forwarded to uinput" branch of handleRepeat: a chord that
// only starts matching mid-repeat (because a modifier was pressed after
// the original unmapped key was already forwarded) must still wait for
// repeat_delay before firing, exactly like the sibling branch.
func TestAutorepeatMatchedBranchAlsoWaitsForDelay(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	if err := root.Insert(chord.Sequence{chord.New(keyI, chord.ModControl.Bit())}, emitAction(keyTab)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	s.SetRepeatTiming(100*time.Millisecond, 10*time.Millisecond)

	start := time.Now()

	// i is pressed and held first, unmapped (no Ctrl yet), and forwarded
	// for real.
	if _, err := s.HandleEvent(keyI, 1, start); err != nil {
		t.Fatalf("press i: %v", err)
	}

	out.pressed[keyI] = true

	// Ctrl is pressed afterward, while i is still held.
	if _, err := s.HandleEvent(keyCtrl, 1, start); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	out.events = nil

	// i now autorepeats; C-i matches, but repeat_delay has not elapsed
	// since i's original press, so it must be swallowed without firing.
	res, err := s.HandleEvent(keyI, 2, start.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("early repeat: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed (swallowed), got %v", res)
	}

	if len(out.events) != 0 {
		t.Fatalf("expected no uinput traffic before repeat_delay, got %v", out.events)
	}

	// Once repeat_delay has elapsed, the match fires: i's real forwarded
	// press is released, then Tab is emitted.
	res, err = s.HandleEvent(keyI, 2, start.Add(150*time.Millisecond))
	if err != nil {
		t.Fatalf("repeat after delay: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed, got %v", res)
	}

	want := []event{
		{keyI, false},
		{keyTab, true},
		{keyTab, false},
	}

	if len(out.events) != len(want) {
		t.Fatalf("events = %v, want %v", out.events, want)
	}

	for i := range want {
		if out.events[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v", i, out.events[i], want[i])
		}
	}
}

// TestEmitDoesNotDoubleWrapShiftInSelectionMode is a regression test: while
// selection mode is on and the user is physically holding Shift, an Emit
// action whose output ends in a cursor key must not add a redundant Shift
// wrap just because releaseRegularModifiers transiently released Shift to
// avoid doubling it with Ctrl. The release/re-press around the emit must
// be invisible to IsPressed.
func TestEmitDoesNotDoubleWrapShiftInSelectionMode(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	if err := root.Insert(chord.Sequence{chord.New(keyA, chord.ModControl.Bit())}, emitAction(keyRight)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	now := time.Now()

	if _, err := s.HandleEvent(keyCtrl, 1, now); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	out.pressed[keyCtrl] = true
	out.pressed[keyShift] = true
	s.selectionMode = true

	out.events = nil

	res, err := s.HandleEvent(keyA, 1, now)
	if err != nil {
		t.Fatalf("press C-a: %v", err)
	}

	if res != Consumed {
		t.Fatalf("expected Consumed, got %v", res)
	}

	want := []event{
		{keyCtrl, false},
		{keyShift, false},
		{keyRight, true},
		{keyRight, false},
		{keyCtrl, true},
		{keyShift, true},
	}

	if len(out.events) != len(want) {
		t.Fatalf("events = %v, want %v", out.events, want)
	}

	for i := range want {
		if out.events[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v", i, out.events[i], want[i])
		}
	}
}

// TestModifierNeverAdvancesOrResetsSequence checks that pressing a bare
// modifier while a multi-stroke sequence is pending leaves current_map
// untouched (modifiers never match or cancel a sequence in progress).
func TestModifierNeverAdvancesOrResetsSequence(t *testing.T) {
	var (
		root = chord.NewKeymap()
		info = newFakeInfo()
		out  = newFakeOut()
	)

	cx := chord.New(keyX, chord.ModControl.Bit())
	cs := chord.New(keyS, chord.ModControl.Bit())

	if err := root.Insert(chord.Sequence{cx, cs}, emitAction(keyCtrl, keyS)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(root, info, out, nil)
	now := time.Now()

	if _, err := s.HandleEvent(keyCtrl, 1, now); err != nil {
		t.Fatalf("press ctrl: %v", err)
	}

	if _, err := s.HandleEvent(keyX, 1, now); err != nil {
		t.Fatalf("press x: %v", err)
	}

	mid := s.current

	if _, err := s.HandleEvent(keyShift, 1, now); err != nil {
		t.Fatalf("press shift mid-sequence: %v", err)
	}

	if s.current != mid {
		t.Fatalf("expected current_map unchanged by a bare modifier press")
	}
}
