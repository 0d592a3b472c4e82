//go:build linux

// Package evdev implements the userspace api [input.h] and event constants
// in [input-event-codes.h] in the Linux kernel, plus the device enumeration,
// grab, and bit-probing operations the keyboard remapper's device pair
// needs on top of them.
//
// [input.h]: https://github.com/torvalds/linux/blob/master/include/uapi/linux/input.h
// [input-event-codes.h]: https://github.com/torvalds/linux/blob/master/include/uapi/linux/input-event-codes.h
package evdev
