//go:build linux

// Package uinput drives the Linux uinput subsystem to create a virtual
// keyboard device that mirrors the capabilities of a grabbed physical
// keyboard, and to replay remapped key events through it.
package uinput

import (
	"fmt"
	"os"

	"github.com/andrieee44/xsetkeys/evdev"
	"github.com/andrieee44/xsetkeys/evdev/ioctl"
)

const (
	uinputMagic = 'U'

	maxNameSize = 80
	absCnt      = 0x40

	name = "xsetkeys"
)

var (
	// uiDevCreate instructs the kernel to instantiate the virtual device
	// described by the previously written userDev and UI_SET_* ioctls.
	uiDevCreate = ioctl.IO(uinputMagic, 1)

	// uiDevDestroy tears down a previously created virtual device.
	uiDevDestroy = ioctl.IO(uinputMagic, 2)

	// uiSetEvBit enables one event type (EV_KEY, EV_SYN, ...) on the
	// not-yet-created virtual device. The argument size must match the
	// kernel's plain C int, not Go's platform-width int.
	uiSetEvBit = ioctl.IOW(uinputMagic, 100, int32(0))

	// uiSetKeyBit enables one KEY_* code on the not-yet-created virtual
	// device.
	uiSetKeyBit = ioctl.IOW(uinputMagic, 101, int32(0))
)

// userDev mirrors the kernel's struct uinput_user_dev layout: a name
// buffer, a device identity, and axis metadata this remapper never
// populates (axis and mouse remapping are out of scope).
type userDev struct {
	Name       [maxNameSize]byte
	ID         evdev.ID
	EffectsMax int32
	AbsMax     [absCnt]int32
	AbsMin     [absCnt]int32
	AbsFuzz    [absCnt]int32
	AbsFlat    [absCnt]int32
}

// Device is a created virtual keyboard backed by /dev/uinput (or
// /dev/input/uinput). It tracks which keys it has reported as pressed so
// that closing it can release any still-held keys deterministically and
// so that redundant SYN_REPORT events can be coalesced, mirroring the
// original implementation's uinput-device.c bookkeeping.
type Device struct {
	handle        *evdev.Device
	pressingKeys  map[uint16]struct{}
	lastEventType uint16
	sawEvent      bool
}

// candidatePaths are tried in order, matching the original's fallback
// between the modern and legacy uinput device node locations.
var candidatePaths = []string{"/dev/uinput", "/dev/input/uinput"}

// Create opens the uinput control device, mirrors the event and key
// capability bits reported by source, writes the user device record, and
// asks the kernel to instantiate the virtual device.
func Create(source *evdev.Device) (*Device, error) {
	var (
		file   *os.File
		path   string
		err    error
		device *Device
	)

	for _, path = range candidatePaths {
		file, err = os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			break
		}
	}

	if file == nil {
		return nil, fmt.Errorf(
			"uinput: could not open %v: %w (is the uinput module loaded?)",
			candidatePaths, err,
		)
	}

	device = &Device{
		handle:       evdev.NewFromFile(file),
		pressingKeys: make(map[uint16]struct{}, 6),
	}

	if err = device.writeUserDev(); err != nil {
		file.Close()
		return nil, err
	}

	if err = device.setEvBits(source); err != nil {
		file.Close()
		return nil, err
	}

	if err = device.setKeyBits(source); err != nil {
		file.Close()
		return nil, err
	}

	if err = ioctl.Any[int](device.handle.Fd(), uiDevCreate, nil); err != nil {
		file.Close()
		return nil, fmt.Errorf("uinput: UI_DEV_CREATE: %w", err)
	}

	return device, nil
}

// Fd returns the underlying file descriptor, for use with poll.
func (device *Device) Fd() uintptr {
	return device.handle.Fd()
}

// ReadEvent blocks until the virtual device delivers the next event written
// back to it by the kernel, such as LED state changes set by userspace.
func (device *Device) ReadEvent() (evdev.Event, error) {
	return device.handle.ReadEvent()
}

// Close destroys the virtual device and closes its file.
func (device *Device) Close() error {
	var err error

	if err = ioctl.Any[int](device.handle.Fd(), uiDevDestroy, nil); err != nil {
		err = fmt.Errorf("uinput: UI_DEV_DESTROY: %w", err)
	}

	if closeErr := device.handle.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

func (device *Device) writeUserDev() error {
	var (
		dev userDev
		err error
	)

	dev.ID = evdev.ID{Bustype: evdev.BUS_VIRTUAL, Vendor: 1, Product: 1, Version: 1}
	copy(dev.Name[:], name)

	if err = device.handle.WriteRaw(&dev); err != nil {
		return fmt.Errorf("uinput: write uinput_user_dev: %w", err)
	}

	return nil
}

func (device *Device) setEvBits(source *evdev.Device) error {
	var (
		ev  uint
		has bool
		err error
		arg int32
	)

	for ev = 0; ev <= evdev.EV_MAX; ev++ {
		if has, err = source.HasEventType(ev); err != nil {
			return fmt.Errorf("uinput: probing event type %#x: %w", ev, err)
		}

		if !has {
			continue
		}

		arg = int32(ev)
		if err = ioctl.Any(device.handle.Fd(), uiSetEvBit, &arg); err != nil {
			return fmt.Errorf("uinput: UI_SET_EVBIT(%#x): %w", ev, err)
		}
	}

	return nil
}

func (device *Device) setKeyBits(source *evdev.Device) error {
	var (
		keys []bool
		code int
		err  error
		arg  int32
	)

	if keys, err = source.KeyBits(); err != nil {
		return fmt.Errorf("uinput: reading keyboard key bits: %w", err)
	}

	for code = range keys {
		if !keys[code] {
			continue
		}

		arg = int32(code)
		if err = ioctl.Any(device.handle.Fd(), uiSetKeyBit, &arg); err != nil {
			return fmt.Errorf("uinput: UI_SET_KEYBIT(%d): %w", code, err)
		}
	}

	return nil
}

// SendKeyEvent replays a single key press or release followed by the
// SYN_REPORT that flushes it to readers of the virtual device, matching
// ud_send_key_event's pairing of EV_KEY with EV_SYN in the original.
func (device *Device) SendKeyEvent(code uint16, press bool) error {
	var (
		value int32
		err   error
	)

	if press {
		value = 1
	}

	if err = device.send(evdev.Event{Type: evdev.EV_KEY, Code: code, Value: value}); err != nil {
		return err
	}

	return device.send(evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0})
}

// SendEvent replays an arbitrary event (used for events device passes
// through unmodified, such as EV_SYN reports and unconsumed key events).
func (device *Device) SendEvent(event evdev.Event) error {
	return device.send(event)
}

// SendKeyEventTemporary replays a press/release the same way SendKeyEvent
// does, but without touching pressingKeys, mirroring _send_event's
// is_temporary=TRUE in the original. It is used for the modifier release/
// re-press wrapped around an emitted action, the key codes an action
// program itself emits, and the selection-mode Shift wrap: none of those
// writes should change what IsPressed reports, since they are either
// immediately undone (a tap) or immediately restored (a modifier released
// only to avoid doubling up with the emitted output), and callers still
// mid-emit need IsPressed to answer as if the user's actual grip on the
// keyboard hadn't moved.
func (device *Device) SendKeyEventTemporary(code uint16, press bool) error {
	var (
		value int32
		err   error
	)

	if press {
		value = 1
	}

	if err = device.sendTemporary(evdev.Event{Type: evdev.EV_KEY, Code: code, Value: value}); err != nil {
		return err
	}

	return device.sendTemporary(evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0})
}

// send applies the original's redundant-SYN_REPORT coalescing and
// pressed-key bookkeeping before writing the event to the virtual device.
func (device *Device) send(event evdev.Event) error {
	switch event.Type {
	case evdev.EV_SYN:
		if device.sawEvent && device.lastEventType == evdev.EV_SYN {
			return nil
		}
	case evdev.EV_KEY:
		switch event.Value {
		case 0:
			if _, pressed := device.pressingKeys[event.Code]; !pressed {
				return nil
			}

			delete(device.pressingKeys, event.Code)
		case 1:
			device.pressingKeys[event.Code] = struct{}{}
		}
	}

	return device.write(event)
}

// sendTemporary applies only the SYN_REPORT coalescing, leaving
// pressingKeys untouched.
func (device *Device) sendTemporary(event evdev.Event) error {
	if event.Type == evdev.EV_SYN && device.sawEvent && device.lastEventType == evdev.EV_SYN {
		return nil
	}

	return device.write(event)
}

func (device *Device) write(event evdev.Event) error {
	device.lastEventType = event.Type
	device.sawEvent = true

	if err := device.handle.WriteEvent(event); err != nil {
		return fmt.Errorf("uinput: write event: %w", err)
	}

	return nil
}

// IsPressed reports whether code is currently held down on this virtual
// device, per this device's own bookkeeping (not the kernel's).
func (device *Device) IsPressed(code uint16) bool {
	_, pressed := device.pressingKeys[code]
	return pressed
}

// PressingKeys returns a snapshot of every code currently held down,
// mirroring ud_get_pressing_keys. Used by the window watcher to release
// and restore the user's held keys around an external keymap rewrite it
// reverts.
func (device *Device) PressingKeys() []uint16 {
	codes := make([]uint16, 0, len(device.pressingKeys))

	for code := range device.pressingKeys {
		codes = append(codes, code)
	}

	return codes
}

// Release sends a release event for every key this device last reported
// as pressed. It is used when tearing down or resynchronizing so that no
// key appears stuck to downstream clients.
func (device *Device) Release() error {
	var code uint16

	for code = range device.pressingKeys {
		if err := device.SendKeyEvent(code, false); err != nil {
			return err
		}
	}

	return nil
}
