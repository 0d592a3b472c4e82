// Command xsetkeys grabs a keyboard device and remaps key sequences
// according to a configuration file, replaying the result through a
// virtual uinput keyboard.
package main

import (
	"fmt"
	"os"

	"github.com/andrieee44/xsetkeys/app"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func exitIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "xsetkeys:", err)
		os.Exit(1)
	}
}

func setDebugFlag() {
	if os.Getenv("G_MESSAGES_DEBUG") == "all" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	var (
		deviceFile       string
		excludedClasses  []string
		excludedFcitxIMs []string
		flags            = pflag.NewFlagSet("xsetkeys", pflag.ExitOnError)
		err              error
	)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	setDebugFlag()

	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: xsetkeys [flags] <configuration-file>")
		flags.PrintDefaults()
	}

	flags.StringVarP(&deviceFile, "device-file", "d", "", "keyboard device file")
	flags.StringArrayVarP(&excludedClasses, "exclude-focus-class", "e", nil,
		"exclude class of input focus window (can be specified multiple times)")
	flags.StringArrayVarP(&excludedFcitxIMs, "exclude-fcitx-im", "f", nil,
		"exclude input method of fcitx (can be specified multiple times)")

	exitIf(flags.Parse(os.Args[1:]))

	switch len(flags.Args()) {
	case 0:
		fmt.Fprintln(os.Stderr, "xsetkeys: configuration file must be specified")
		flags.Usage()
		os.Exit(1)
	case 1:
	default:
		fmt.Fprintln(os.Stderr, "xsetkeys: too many arguments")
		flags.Usage()
		os.Exit(1)
	}

	cfg := app.Config{
		DeviceFile:       deviceFile,
		ConfigFile:       flags.Args()[0],
		ExcludedClasses:  excludedClasses,
		ExcludedFcitxIMs: excludedFcitxIMs,
	}

	err = app.Run(cfg)
	exitIf(err)
}
