package keyinfo

import "errors"

// Sentinel errors returned by Info's chord.Resolver methods, per spec.md
// §4.2 "Chord parsing": ErrUnknownModifier for a tag that isn't one of
// A/a C/c H/h M/m S s, ErrUnknownKey for a keysym name the parser does not
// recognize, and ErrUnboundKey for a recognized keysym or modifier that has
// no key code on this X server.
var (
	ErrUnknownModifier = errors.New("keyinfo: unknown modifier tag")
	ErrUnknownKey      = errors.New("keyinfo: unknown key name")
	ErrUnboundKey      = errors.New("keyinfo: key has no code on this server")
)
