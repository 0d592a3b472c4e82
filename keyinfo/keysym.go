//go:build linux

package keyinfo

import (
	"fmt"

	"github.com/jezek/xgb/xproto"
)

// Keysym values below are from X11/keysymdef.h, grounded on the numeric
// constants other_examples/60f9c128_gogpu-gogpu's x11 package carries for
// the same purpose.
const (
	keysymBackSpace xproto.Keysym = 0xff08
	keysymTab       xproto.Keysym = 0xff09
	keysymReturn    xproto.Keysym = 0xff0d
	keysymEscape    xproto.Keysym = 0xff1b
	keysymDelete    xproto.Keysym = 0xffff

	keysymHome  xproto.Keysym = 0xff50
	keysymLeft  xproto.Keysym = 0xff51
	keysymUp    xproto.Keysym = 0xff52
	keysymRight xproto.Keysym = 0xff53
	keysymDown  xproto.Keysym = 0xff54
	keysymPrior xproto.Keysym = 0xff55
	keysymNext  xproto.Keysym = 0xff56
	keysymEnd   xproto.Keysym = 0xff57
	keysymBegin xproto.Keysym = 0xff58

	keysymInsert xproto.Keysym = 0xff63

	keysymShiftL   xproto.Keysym = 0xffe1
	keysymShiftR   xproto.Keysym = 0xffe2
	keysymControlL xproto.Keysym = 0xffe3
	keysymControlR xproto.Keysym = 0xffe4
	keysymCapsLock xproto.Keysym = 0xffe5
	keysymMetaL    xproto.Keysym = 0xffe7
	keysymMetaR    xproto.Keysym = 0xffe8
	keysymAltL     xproto.Keysym = 0xffe9
	keysymAltR     xproto.Keysym = 0xffea
	keysymSuperL   xproto.Keysym = 0xffeb
	keysymSuperR   xproto.Keysym = 0xffec
	keysymHyperL   xproto.Keysym = 0xffed
	keysymHyperR   xproto.Keysym = 0xffee

	keysymSpace xproto.Keysym = 0x0020
)

// functionKeysym covers F1..F20; X11 numbers them contiguously from 0xffbe.
func functionKeysym(n int) xproto.Keysym {
	return xproto.Keysym(0xffbe + n - 1)
}

// namedKeysyms is the subset of X11 keysym names a config file's key-code
// tokens are expected to use: control keys, cursor motion, and function
// keys. Anything else falls back to the Latin-1 literal-character rule in
// keysymFromName.
var namedKeysyms = map[string]xproto.Keysym{
	"BackSpace": keysymBackSpace,
	"Tab":       keysymTab,
	"Return":    keysymReturn,
	"Enter":     keysymReturn,
	"Escape":    keysymEscape,
	"Delete":    keysymDelete,
	"Insert":    keysymInsert,
	"Home":      keysymHome,
	"Left":      keysymLeft,
	"Up":        keysymUp,
	"Right":     keysymRight,
	"Down":      keysymDown,
	"Prior":     keysymPrior,
	"Page_Up":   keysymPrior,
	"Next":      keysymNext,
	"Page_Down": keysymNext,
	"End":       keysymEnd,
	"Begin":     keysymBegin,
	"space":     keysymSpace,
	"Space":     keysymSpace,
}

func init() {
	var n int

	for n = 1; n <= 20; n++ {
		namedKeysyms[fmt.Sprintf("F%d", n)] = functionKeysym(n)
	}
}
