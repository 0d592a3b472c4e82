//go:build linux

package xenv

import (
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xkb"
	"github.com/rs/zerolog/log"
)

// RepeatTiming queries the X server's Xkb autorepeat delay and interval,
// falling back to dispatch's package defaults if the Xkb extension isn't
// available or the query fails. Best-effort: a server without Xkb (rare on
// a modern X install) just gets the fallback timing.
func RepeatTiming(conn *xgb.Conn, fallbackDelay, fallbackInterval time.Duration) (time.Duration, time.Duration) {
	if err := xkb.Init(conn); err != nil {
		log.Warn().Err(err).Msg("xenv: Xkb extension unavailable, using default repeat timing")
		return fallbackDelay, fallbackInterval
	}

	reply, err := xkb.GetControls(conn, xkb.IdUseCoreKbd).Reply()
	if err != nil {
		log.Warn().Err(err).Msg("xenv: XkbGetControls failed, using default repeat timing")
		return fallbackDelay, fallbackInterval
	}

	delay := time.Duration(reply.RepeatDelay) * time.Millisecond
	interval := time.Duration(reply.RepeatInterval) * time.Millisecond

	if delay <= 0 {
		delay = fallbackDelay
	}

	if interval <= 0 {
		interval = fallbackInterval
	}

	return delay, interval
}
