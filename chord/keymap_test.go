package chord

import (
	"errors"
	"testing"
)

func emit(codes ...uint16) *Action {
	return &Action{Kind: ActionEmit, Program: Program{KeyCodeSequence(codes)}}
}

func TestKeymapInsertLookupRoundTrip(t *testing.T) {
	var (
		keymap = NewKeymap()
		cx     = New(45, ModControl.Bit())
		cs     = New(31, ModControl.Bit())
		action = emit(31)
	)

	if err := keymap.Insert(Sequence{cx, cs}, action); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	edge, ok := keymap.Lookup(cx)
	if !ok {
		t.Fatalf("expected a MultiStroke edge at cx")
	}

	if edge.Kind != ActionMultiStroke {
		t.Fatalf("expected ActionMultiStroke, got %v", edge.Kind)
	}

	got, ok := edge.Keymap.Lookup(cs)
	if !ok || got != action {
		t.Fatalf("lookup along the inserted path did not return the inserted action")
	}
}

func TestKeymapDuplicateLeafVsBranch(t *testing.T) {
	var (
		keymap = NewKeymap()
		cx     = New(45, ModControl.Bit())
		cs     = New(31, ModControl.Bit())
	)

	if err := keymap.Insert(Sequence{cx}, emit(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err := keymap.Insert(Sequence{cx, cs}, emit(2))
	if !errors.Is(err, ErrDuplicateInput) {
		t.Fatalf("expected ErrDuplicateInput extending a leaf, got %v", err)
	}
}

func TestKeymapDuplicateBranchVsLeaf(t *testing.T) {
	var (
		keymap = NewKeymap()
		cx     = New(45, ModControl.Bit())
		cs     = New(31, ModControl.Bit())
	)

	if err := keymap.Insert(Sequence{cx, cs}, emit(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err := keymap.Insert(Sequence{cx}, emit(2))
	if !errors.Is(err, ErrDuplicateInput) {
		t.Fatalf("expected ErrDuplicateInput shadowing a branch, got %v", err)
	}
}

func TestChordRoundTrip(t *testing.T) {
	c := New(25, ModControl.Bit()|ModMeta.Bit())

	if c.KeyCode() != 25 {
		t.Fatalf("KeyCode = %d, want 25", c.KeyCode())
	}

	if !c.Has(ModControl) || !c.Has(ModMeta) {
		t.Fatalf("expected Control and Meta set, mask=%#x", c.Mods())
	}

	if c.Has(ModShift) {
		t.Fatalf("did not expect Shift set, mask=%#x", c.Mods())
	}
}
