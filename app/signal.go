//go:build linux

package app

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// selfPipe wakes a unix.Poll loop from a goroutine: signals and the X/
// D-Bus watcher goroutines all write a single byte to wake the poll
// instead of putting fds the poll set doesn't understand into it
// directly. This generalizes the original's self-pipe (there used only
// for signals) into the reactor's one async-wake mechanism, forced by
// jezek/xgb's *xgb.Conn not exposing its underlying file descriptor.
type selfPipe struct {
	r, w *os.File

	sigint  atomic.Bool
	sigterm atomic.Bool
	sighup  atomic.Bool
	sigusr1 atomic.Bool
}

func newSelfPipe() (*selfPipe, error) {
	var (
		r, w *os.File
		err  error
	)

	if r, w, err = os.Pipe(); err != nil {
		return nil, err
	}

	return &selfPipe{r: r, w: w}, nil
}

// Fd returns the read end's file descriptor, for use with poll.
func (p *selfPipe) Fd() uintptr {
	return p.r.Fd()
}

// Wake writes a single byte, waking anything polling Fd(). Safe to call
// from any goroutine; a full pipe buffer just means the poll loop was
// already going to wake up.
func (p *selfPipe) Wake() {
	_, _ = p.w.Write([]byte{0})
}

// Drain reads and discards everything currently buffered, so poll doesn't
// keep reporting the pipe as readable.
func (p *selfPipe) Drain() {
	var buf [64]byte

	for {
		// Read only while poll reports data, so an empty pipe ends the
		// loop instead of blocking in Read.
		fds := []unix.PollFd{{Fd: int32(p.r.Fd()), Events: unix.POLLIN}}
		if ready, err := unix.Poll(fds, 0); err != nil || ready == 0 {
			return
		}

		n, err := p.r.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

func (p *selfPipe) Close() error {
	p.w.Close()
	return p.r.Close()
}

// watchSignals relays SIGINT/SIGTERM/SIGHUP/SIGUSR1 into atomic flags and
// wakes the poll loop, mirroring main.c's g_unix_signal_add handlers.
func (p *selfPipe) watchSignals() chan<- struct{} {
	var (
		ch   = make(chan os.Signal, 8)
		stop = make(chan struct{})
	)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGINT:
					p.sigint.Store(true)
				case syscall.SIGTERM:
					p.sigterm.Store(true)
				case syscall.SIGHUP:
					p.sighup.Store(true)
				case syscall.SIGUSR1:
					p.sigusr1.Store(true)
				}

				p.Wake()
			case <-stop:
				signal.Stop(ch)
				return
			}
		}
	}()

	return stop
}

func (p *selfPipe) takeSigint() bool  { return p.sigint.Swap(false) }
func (p *selfPipe) takeSigterm() bool { return p.sigterm.Swap(false) }
func (p *selfPipe) takeSighup() bool  { return p.sighup.Swap(false) }
func (p *selfPipe) takeSigusr1() bool { return p.sigusr1.Swap(false) }
