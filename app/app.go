//go:build linux

// Package app wires the chord/keyinfo/evdev/uinput/device/dispatch/xenv
// packages into one running remapper, and owns the unix.Poll-based
// reactor and restart policy described in spec.md §5 and §7. It is the
// Go counterpart of main.c and x-set-keys.c's top-level control flow.
package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/andrieee44/xsetkeys/chord"
	"github.com/andrieee44/xsetkeys/device"
	"github.com/andrieee44/xsetkeys/dispatch"
	"github.com/andrieee44/xsetkeys/evdev"
	"github.com/andrieee44/xsetkeys/keyinfo"
	"github.com/andrieee44/xsetkeys/uinput"
	"github.com/andrieee44/xsetkeys/xenv"
	"github.com/jezek/xgb"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// maxRestarts is the retry budget of spec.md §7: after this many
// ErrRestart-triggered retries within one invocation, the process exits
// nonzero. SIGHUP-triggered restarts reset nothing and are not counted.
const maxRestarts = 10

const restartBackoff = time.Second

// Config holds the parsed command-line arguments, per spec.md §6.
type Config struct {
	DeviceFile       string
	ConfigFile       string
	ExcludedClasses  []string
	ExcludedFcitxIMs []string
}

// Run executes the initialize-run-finalize cycle, retrying on ErrRestart
// up to maxRestarts times (with a 1s backoff) and stopping cleanly on
// SIGINT/SIGTERM. It returns a non-nil error only when the process should
// exit nonzero.
func Run(cfg Config) error {
	var (
		restarts int
		err      error
	)

	for {
		err = runOnce(cfg)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, errSighupRestart):
			log.Info().Msg("app: SIGHUP received, reloading configuration")
			continue
		case errors.Is(err, ErrRestart):
			restarts++
			if restarts > maxRestarts {
				return fmt.Errorf("app: exceeded %d restart attempts: %w", maxRestarts, err)
			}

			log.Warn().Err(err).Int("attempt", restarts).Msg("app: restarting after error")
			time.Sleep(restartBackoff)

			continue
		default:
			return err
		}
	}
}

// errSighupRestart is a private sentinel distinguishing a SIGHUP-driven
// restart (not counted against the retry budget) from an ErrRestart
// (counted), without exporting a second public error whose meaning callers
// could confuse with ErrRestart.
var errSighupRestart = errors.New("app: reload requested")

// reloader adapts dispatch.State and the loaded config into
// xenv.KeymapReloader, keeping the X-protocol-specific reload mechanics
// out of dispatch.
type reloader struct {
	info       *keyinfo.Info
	state      *dispatch.State
	configPath string
}

func (r *reloader) ReloadKeyboardMapping() error {
	if err := r.info.ReloadKeysyms(); err != nil {
		return err
	}

	return r.reloadKeymap()
}

func (r *reloader) ReloadModifierMapping() error {
	if err := r.info.Reload(); err != nil {
		return err
	}

	return r.reloadKeymap()
}

func (r *reloader) reloadKeymap() error {
	keymap, err := chord.LoadConfig(r.configPath, r.info)
	if err != nil {
		return err
	}

	r.state.SetKeymap(keymap)

	return nil
}

func (r *reloader) Reset() {
	r.state.Reset()
}

func runOnce(cfg Config) (err error) {
	var (
		conn      *xgb.Conn
		info      *keyinfo.Info
		keymap    *chord.Keymap
		kbdPath   string
		kbd       *evdev.Device
		out       *uinput.Device
		env       *xenv.Environment
		pump      *device.Pump
		state     *dispatch.State
		pipe      *selfPipe
		stopSigs  chan<- struct{}
		delay     time.Duration
		interval  time.Duration
	)

	if conn, err = xgb.NewConn(); err != nil {
		return fmt.Errorf("%w: connecting to X server: %v", ErrFatal, err)
	}
	defer conn.Close()

	if info, err = keyinfo.Initialize(conn); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	if keymap, err = chord.LoadConfig(cfg.ConfigFile, info); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	if kbdPath = cfg.DeviceFile; kbdPath == "" {
		if kbdPath, err = evdev.FindKeyboard(); err != nil {
			return fmt.Errorf("%w: %v", ErrRestart, err)
		}
	}

	if kbd, err = openKeyboard(kbdPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRestart, err)
	}
	defer kbd.Close()
	defer kbd.Grab(false)

	if out, err = uinput.Create(kbd); err != nil {
		return fmt.Errorf("%w: %v", ErrRestart, err)
	}
	defer out.Close()

	if pipe, err = newSelfPipe(); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	defer pipe.Close()

	stopSigs = pipe.watchSignals()
	defer close(stopSigs)

	delay, interval = xenv.RepeatTiming(conn, dispatch.DefaultRepeatDelay, dispatch.DefaultRepeatInterval)

	rl := &reloader{info: info, configPath: cfg.ConfigFile}

	env = &xenv.Environment{}

	if env.Window, err = xenv.NewWindow(conn, cfg.ExcludedClasses, rl, out, pipe.Wake); err != nil {
		return fmt.Errorf("%w: %v", ErrRestart, err)
	}

	if env.Fcitx, err = xenv.NewFcitx(cfg.ExcludedFcitxIMs, rl, pipe.Wake); err != nil {
		log.Warn().Err(err).Msg("app: Fcitx input-method watcher disabled")
	}
	defer env.Close()

	state = dispatch.New(keymap, info, out, env)
	state.SetRepeatTiming(delay, interval)
	rl.state = state

	env.Run()

	pump = device.New(kbd, out, state)

	defer func() {
		if shutdownErr := pump.Shutdown(); shutdownErr != nil && err == nil {
			log.Warn().Err(shutdownErr).Msg("app: releasing held keys on shutdown")
		}
	}()

	return reactorLoop(pump, env, pipe, rl)
}

func openKeyboard(path string) (*evdev.Device, error) {
	var (
		kbd *evdev.Device
		err error
	)

	if kbd, err = evdev.Open(path); err != nil {
		return nil, err
	}

	if err = kbd.ReleaseStuckKeys(); err != nil {
		kbd.Close()
		return nil, err
	}

	if err = kbd.Grab(true); err != nil {
		kbd.Close()
		return nil, err
	}

	return kbd, nil
}

// reactorLoop is the single unix.Poll call site: the keyboard fd, the
// uinput loopback fd, and the self-pipe are polled directly; X and D-Bus
// events are drained from their goroutine-fed channels whenever the
// self-pipe wakes the loop, per the adaptation recorded in DESIGN.md.
func reactorLoop(pump *device.Pump, env *xenv.Environment, pipe *selfPipe, rl *reloader) error {
	var fds = []unix.PollFd{
		{Fd: int32(pump.KeyboardFd()), Events: unix.POLLIN},
		{Fd: int32(pump.UinputFd()), Events: unix.POLLIN},
		{Fd: int32(pipe.Fd()), Events: unix.POLLIN},
	}

	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("%w: poll: %v", ErrRestart, err)
		}

		if n == 0 {
			continue
		}

		if pipe.takeSigint() || pipe.takeSigterm() {
			return nil
		}

		if pipe.takeSighup() {
			return errSighupRestart
		}

		if pipe.takeSigusr1() {
			log.Info().Msg("app: SIGUSR1 received, reloading keymap")

			if err := rl.reloadKeymap(); err != nil {
				log.Warn().Err(err).Msg("app: keymap reload failed, keeping previous keymap")
			}
		}

		if fds[2].Revents&unix.POLLIN != 0 {
			pipe.Drain()

			if err := env.HandleNext(); err != nil {
				return fmt.Errorf("%w: %v", ErrRestart, err)
			}
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			if err := pump.PumpOne(); err != nil {
				return fmt.Errorf("%w: %v", ErrRestart, err)
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			if err := pump.DrainUinput(); err != nil {
				return fmt.Errorf("%w: %v", ErrRestart, err)
			}
		}
	}
}
