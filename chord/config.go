package chord

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Resolver turns the textual tokens of a configuration file into chords
// and key-code sequences. keyinfo.Info implements it; chord stays free of
// any X11 dependency by depending on this interface instead.
type Resolver interface {
	// ParseChord parses one `(<M>-)*<keysym>` token into a Chord.
	ParseChord(token string) (Chord, error)

	// ParseKeyCodeSequence parses one right-hand-side token into the
	// press/release key-code sequence that reproduces it.
	ParseKeyCodeSequence(token string) (KeyCodeSequence, error)
}

const (
	directiveSelect = "$select"
	directiveStart  = "$start"
	directiveStop   = "$stop"
)

// LoadConfig reads the line-oriented configuration grammar from path and
// returns the populated root Keymap. Each non-blank, non-comment line has
// the form `<chord>+ :: <output>+`, where `#` begins a comment running to
// end of line. The right-hand side is either a sequence of key-code-list
// tokens (an ordinary remap) or a single directive ($select, $start,
// $stop). An empty keymap after parsing is reported as an error.
func LoadConfig(path string, resolver Resolver) (*Keymap, error) {
	var (
		file *os.File
		err  error
	)

	if file, err = os.Open(path); err != nil {
		return nil, fmt.Errorf("chord: open %s: %w", path, err)
	}
	defer file.Close()

	return loadConfig(file, path, resolver)
}

func loadConfig(r io.Reader, path string, resolver Resolver) (*Keymap, error) {
	var (
		keymap     *Keymap
		scanner    *bufio.Scanner
		lineNumber int
		line       string
	)

	keymap = NewKeymap()
	scanner = bufio.NewScanner(r)

	for lineNumber = 1; scanner.Scan(); lineNumber++ {
		line = scanner.Text()
		if err := parseLine(keymap, resolver, line); err != nil {
			return nil, fmt.Errorf("chord: %s:%d: %w", path, lineNumber, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chord: reading %s: %w", path, err)
	}

	if keymap.Len() == 0 {
		return nil, fmt.Errorf("chord: %s: no data in configuration file", path)
	}

	return keymap, nil
}

func parseLine(keymap *Keymap, resolver Resolver, line string) error {
	var (
		fields []string
		sep    int
		i      int
	)

	if sep = strings.IndexByte(line, '#'); sep >= 0 {
		line = line[:sep]
	}

	fields = strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	for i = range fields {
		if fields[i] == "::" {
			return parseEntry(keymap, resolver, fields[:i], fields[i+1:])
		}
	}

	return fmt.Errorf("missing '::' separator")
}

func parseEntry(keymap *Keymap, resolver Resolver, inputTokens, outputTokens []string) error {
	var (
		sequence Sequence
		token    string
		chord    Chord
		err      error
		action   *Action
	)

	if len(inputTokens) == 0 {
		return fmt.Errorf("empty left-hand side")
	}

	if len(outputTokens) == 0 {
		return fmt.Errorf("empty right-hand side")
	}

	sequence = make(Sequence, 0, len(inputTokens))
	for _, token = range inputTokens {
		if chord, err = resolver.ParseChord(token); err != nil {
			return fmt.Errorf("parsing chord %q: %w", token, err)
		}

		sequence = append(sequence, chord)
	}

	if action, err = parseOutput(resolver, outputTokens); err != nil {
		return err
	}

	if err = keymap.Insert(sequence, action); err != nil {
		return err
	}

	return nil
}

func parseOutput(resolver Resolver, outputTokens []string) (*Action, error) {
	var (
		token   string
		program Program
		seq     KeyCodeSequence
		err     error
	)

	if len(outputTokens) == 1 {
		switch outputTokens[0] {
		case directiveSelect:
			return &Action{Kind: ActionToggleSelection}, nil
		case directiveStart:
			return &Action{Kind: ActionToggleStopped, Start: true}, nil
		case directiveStop:
			return &Action{Kind: ActionToggleStopped, Start: false}, nil
		}
	}

	program = make(Program, 0, len(outputTokens))
	for _, token = range outputTokens {
		if seq, err = resolver.ParseKeyCodeSequence(token); err != nil {
			return nil, fmt.Errorf("parsing output %q: %w", token, err)
		}

		program = append(program, seq)
	}

	return &Action{Kind: ActionEmit, Program: program}, nil
}
