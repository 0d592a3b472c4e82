//go:build linux

package xenv

// Environment combines the Window and Fcitx watchers into the single
// Excluded() hook dispatch.State consumes. Fcitx may be nil (no -f flags,
// or SUDO_UID unset), in which case it contributes no exclusion.
type Environment struct {
	Window *Window
	Fcitx  *Fcitx
}

// Excluded implements dispatch.Excluder: remapping is suppressed if
// either watcher currently considers its dimension excluded.
func (e *Environment) Excluded() bool {
	if e.Window != nil && e.Window.Excluded() {
		return true
	}

	return e.Fcitx.Excluded()
}

// Run starts both watchers' event-draining goroutines. Call once after
// construction.
func (e *Environment) Run() {
	if e.Window != nil {
		go e.Window.Run()
	}

	if e.Fcitx != nil {
		go e.Fcitx.Run()
	}
}

// HandleNext drains whatever is currently pending on both watchers,
// non-blockingly. Call from the main poll loop after waking on the
// self-pipe.
func (e *Environment) HandleNext() error {
	if e.Window != nil {
		if err := e.Window.HandleNext(); err != nil {
			return err
		}
	}

	if e.Fcitx != nil {
		if err := e.Fcitx.HandleNext(); err != nil {
			return err
		}
	}

	return nil
}

// Close releases the Fcitx D-Bus connection, if any.
func (e *Environment) Close() error {
	if e.Fcitx != nil {
		return e.Fcitx.Close()
	}

	return nil
}
