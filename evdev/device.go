//go:build linux

package evdev

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/andrieee44/xsetkeys/evdev/ioctl"
	"golang.org/x/sys/unix"
)

// bitsPerLong matches the kernel's unsigned long word size used to pack
// EVIOCGBIT bitmaps; Go's uintptr tracks the native word size the same way.
const bitsPerLong = 8 * int(unsafe.Sizeof(uintptr(0)))

// Device is an open handle to a Linux evdev character device node, such as
// /dev/input/event4.
type Device struct {
	file *os.File
	path string
}

// NewFromFile wraps an already-open file as a Device, for nodes such as a
// freshly created uinput device that are not opened through Open.
func NewFromFile(file *os.File) *Device {
	return &Device{file: file, path: file.Name()}
}

// Open opens the evdev device node at path without grabbing it.
func Open(path string) (*Device, error) {
	var (
		file *os.File
		err  error
	)

	if file, err = os.OpenFile(path, os.O_RDWR, 0); err != nil {
		return nil, fmt.Errorf("evdev: open %s: %w", path, err)
	}

	return &Device{file: file, path: path}, nil
}

// Path returns the device node path this Device was opened from.
func (device *Device) Path() string {
	return device.path
}

// Fd returns the underlying file descriptor, for use with poll.
func (device *Device) Fd() uintptr {
	return device.file.Fd()
}

// Close closes the device node.
func (device *Device) Close() error {
	return device.file.Close()
}

// Name returns the device's human-readable name, as reported by EVIOCGNAME.
func (device *Device) Name() (string, error) {
	var (
		buf [256]byte
		err error
	)

	if err = ioctl.Any(device.Fd(), EVIOCGNAME(uint(len(buf))), &buf); err != nil {
		return "", fmt.Errorf("evdev: EVIOCGNAME %s: %w", device.path, err)
	}

	return unix.ByteSliceToString(buf[:]), nil
}

// ID returns the device's bus type, vendor, product, and version.
func (device *Device) ID() (ID, error) {
	var (
		id  ID
		err error
	)

	if err = ioctl.Any(device.Fd(), EVIOCGID, &id); err != nil {
		return ID{}, fmt.Errorf("evdev: EVIOCGID %s: %w", device.path, err)
	}

	return id, nil
}

// bits reads the EVIOCGBIT bitmap for event type ev and reports which codes
// in [0, count) are set.
func (device *Device) bits(ev uint, count int) ([]bool, error) {
	var (
		words []uintptr
		size  int
		err   error
		set   []bool
		code  int
	)

	size = (count + bitsPerLong - 1) / bitsPerLong
	words = make([]uintptr, size)

	if err = ioctl.Any(
		device.Fd(),
		EVIOCGBIT(ev, uint(size*int(unsafe.Sizeof(uintptr(0))))),
		unsafe.SliceData(words),
	); err != nil {
		return nil, fmt.Errorf("evdev: EVIOCGBIT(%#x) %s: %w", ev, device.path, err)
	}

	set = make([]bool, count)
	for code = range set {
		set[code] = words[code/bitsPerLong]&(1<<(uint(code)%uint(bitsPerLong))) != 0
	}

	return set, nil
}

// HasEventType reports whether the device emits events of type ev at all,
// by checking the EV bitmap (EVIOCGBIT with ev=0).
func (device *Device) HasEventType(ev uint) (bool, error) {
	var (
		set []bool
		err error
	)

	if set, err = device.bits(0, EV_MAX+1); err != nil {
		return false, err
	}

	return int(ev) < len(set) && set[ev], nil
}

// KeyBits returns which KEY_* codes in [0, KEY_MAX] the device supports.
func (device *Device) KeyBits() ([]bool, error) {
	return device.bits(EV_KEY, KEY_MAX+1)
}

// IsKeyboard applies the heuristic from the original x-set-keys' device
// discovery: a keyboard reports EV_KEY, does not report EV_REL or EV_ABS,
// and supports the full run of alphabetic keys from KEY_Q through KEY_P.
func (device *Device) IsKeyboard() (bool, error) {
	var (
		hasKey, hasRel, hasAbs bool
		keys                   []bool
		err                    error
		code                   int
	)

	if hasKey, err = device.HasEventType(EV_KEY); err != nil {
		return false, err
	}

	if !hasKey {
		return false, nil
	}

	if hasRel, err = device.HasEventType(EV_REL); err != nil {
		return false, err
	}

	if hasAbs, err = device.HasEventType(EV_ABS); err != nil {
		return false, err
	}

	if hasRel || hasAbs {
		return false, nil
	}

	if keys, err = device.KeyBits(); err != nil {
		return false, err
	}

	for code = KEY_Q; code <= KEY_P; code++ {
		if !keys[code] {
			return false, nil
		}
	}

	return true, nil
}

// Grab acquires (grab=true) or releases (grab=false) exclusive access to
// the device via EVIOCGRAB, so that key events stop reaching any other
// client, including the kernel's own virtual-console handling.
func (device *Device) Grab(grab bool) error {
	var (
		arg int
		err error
	)

	if grab {
		arg = 1
	}

	if err = ioctl.Any(device.Fd(), EVIOCGRAB(), &arg); err != nil {
		return fmt.Errorf("evdev: EVIOCGRAB(%v) %s: %w", grab, device.path, err)
	}

	return nil
}

// ReleaseStuckKeys synthesizes a release event for every key the device's
// KeyBits report as supported, followed by a single SYN_REPORT. This must
// run before Grab so that any key physically held down at grab time does
// not appear stuck to every other client once exclusive access kicks in.
func (device *Device) ReleaseStuckKeys() error {
	var (
		keys []bool
		code int
		err  error
		ev   Event
	)

	if keys, err = device.KeyBits(); err != nil {
		return err
	}

	for code = range keys {
		if !keys[code] {
			continue
		}

		ev = Event{Type: EV_KEY, Code: uint16(code), Value: 0}
		if err = device.WriteEvent(ev); err != nil {
			return err
		}
	}

	return device.WriteEvent(Event{Type: EV_SYN, Code: SYN_REPORT, Value: 0})
}

// ReadEvent blocks until the device delivers the next input event.
func (device *Device) ReadEvent() (Event, error) {
	var (
		raw inputEvent
		err error
	)

	if err = binaryRead(device.file, &raw); err != nil {
		return Event{}, fmt.Errorf("evdev: read %s: %w", device.path, err)
	}

	return Event{
		Sec:   uint64(raw.Sec),
		Usec:  uint64(raw.Usec),
		Type:  raw.Type,
		Code:  raw.Code,
		Value: raw.Value,
	}, nil
}

// WriteRaw writes data in the kernel's native byte order directly to the
// device's node. It is used for fixed-layout records the evdev protocol
// itself doesn't define, such as uinput's struct uinput_user_dev.
func (device *Device) WriteRaw(data any) error {
	if err := binaryWriteRaw(device.file, data); err != nil {
		return fmt.Errorf("evdev: write %s: %w", device.path, err)
	}

	return nil
}

// WriteEvent writes a single input event to the device's node. On an evdev
// node the kernel injects the event into that device's input stream, which
// ReleaseStuckKeys relies on; uinput nodes accept events the same way.
func (device *Device) WriteEvent(ev Event) error {
	var (
		raw inputEvent
		err error
	)

	raw = inputEvent{
		Sec:   int64(ev.Sec),
		Usec:  int64(ev.Usec),
		Type:  ev.Type,
		Code:  ev.Code,
		Value: ev.Value,
	}

	if err = binaryWrite(device.file, &raw); err != nil {
		return fmt.Errorf("evdev: write %s: %w", device.path, err)
	}

	return nil
}

// FindKeyboard scans /dev/input/event0 through /dev/input/event31 in order
// and returns the path of the first device node satisfying IsKeyboard.
func FindKeyboard() (string, error) {
	var (
		entries []string
		entry   string
		device  *Device
		isKbd   bool
		err     error
		n       int
	)

	entries = make([]string, 0, 32)

	for n = 0; n < 32; n++ {
		entry = fmt.Sprintf("/dev/input/event%d", n)
		if _, err = os.Stat(entry); err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	for _, entry = range entries {
		device, err = Open(entry)
		if err != nil {
			continue
		}

		isKbd, err = device.IsKeyboard()
		device.Close()

		if err != nil {
			continue
		}

		if isKbd {
			return entry, nil
		}
	}

	return "", fmt.Errorf("evdev: no keyboard device found under /dev/input")
}
