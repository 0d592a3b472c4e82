//go:build linux

// Package device bridges one grabbed evdev keyboard to one uinput virtual
// device: it classifies non-key events, times incoming events for the
// dispatcher's autorepeat arithmetic, and forwards whatever the dispatcher
// leaves unconsumed. It is the Go counterpart of keyboard-device.c and
// device.c.
package device

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andrieee44/xsetkeys/dispatch"
	"github.com/andrieee44/xsetkeys/evdev"
	"github.com/andrieee44/xsetkeys/uinput"
)

// Pump owns the grabbed keyboard and its virtual counterpart, and drives
// one event at a time from the keyboard through the dispatcher to uinput.
type Pump struct {
	kbd   *evdev.Device
	out   *uinput.Device
	state *dispatch.State
}

// New builds a Pump over an already-grabbed keyboard device, an already
// created uinput device mirroring its capabilities, and the dispatcher
// state machine that decides what each key event means.
func New(kbd *evdev.Device, out *uinput.Device, state *dispatch.State) *Pump {
	return &Pump{kbd: kbd, out: out, state: state}
}

// KeyboardFd returns the grabbed keyboard's file descriptor, for use with
// poll.
func (p *Pump) KeyboardFd() uintptr {
	return p.kbd.Fd()
}

// UinputFd returns the virtual device's file descriptor, for use with
// poll; the uinput node occasionally reports events back (such as LED
// state) that this pump discards.
func (p *Pump) UinputFd() uintptr {
	return p.out.Fd()
}

// DrainUinput reads and discards any pending loopback event from the
// virtual device, so poll doesn't keep reporting it as readable.
func (p *Pump) DrainUinput() error {
	if _, err := p.out.ReadEvent(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("device: draining uinput loopback: %w", err)
	}

	return nil
}

// PumpOne reads a single event from the keyboard and forwards it through
// the dispatcher, per spec.md §4.3: EV_MSC is dropped silently, EV_SYN and
// anything else not EV_KEY is forwarded unchanged, and EV_KEY is handed to
// the dispatcher, which decides whether to forward it as-is.
func (p *Pump) PumpOne() error {
	var (
		ev  evdev.Event
		err error
	)

	if ev, err = p.kbd.ReadEvent(); err != nil {
		return fmt.Errorf("device: reading keyboard event: %w", err)
	}

	switch ev.Type {
	case evdev.EV_MSC:
		return nil
	case evdev.EV_KEY:
		return p.handleKey(ev)
	default:
		return p.out.SendEvent(ev)
	}
}

func (p *Pump) handleKey(ev evdev.Event) error {
	var (
		res       dispatch.Result
		err       error
		timestamp time.Time
	)

	timestamp = time.Unix(int64(ev.Sec), int64(ev.Usec)*int64(time.Microsecond))

	if res, err = p.state.HandleEvent(ev.Code, ev.Value, timestamp); err != nil {
		return fmt.Errorf("device: dispatching key event: %w", err)
	}

	if res == dispatch.Consumed {
		return nil
	}

	// Forward the original event verbatim (not through SendKeyEvent,
	// which only knows press/release) so autorepeat's value==2 passes
	// through unchanged; the keyboard's own following SYN_REPORT
	// reaches uinput through the default case in PumpOne.
	return p.out.SendEvent(ev)
}

// Shutdown releases every key the virtual device still reports as
// pressed, so no key appears stuck to downstream clients once the process
// exits or restarts.
func (p *Pump) Shutdown() error {
	return p.out.Release()
}
