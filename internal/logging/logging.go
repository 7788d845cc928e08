// Package logging builds the daemon's single log sink: every component
// that isn't a leftover, untouched teacher file logs through the
// *log.Logger this package constructs, so verbosity and output format
// are controlled in exactly one place.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// New builds the root logger for the given -v count (spec.md §6's
// verbosity counter): 0 warns and above, 1 adds info, 2+ adds debug.
// On a TTY it renders colorized text; redirected to a file or piped
// into a supervisor (the common case for a daemon), it emits logfmt so
// downstream log collectors can parse it without a TTY-aware step.
func New(verbosity int) *log.Logger {
	formatter := log.LogfmtFormatter
	if isatty.IsTerminal(os.Stderr.Fd()) {
		formatter = log.TextFormatter
	}

	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Formatter:       formatter,
	})
	l.SetLevel(levelFor(verbosity))
	return l
}

func levelFor(verbosity int) log.Level {
	switch {
	case verbosity >= 2:
		return log.DebugLevel
	case verbosity == 1:
		return log.InfoLevel
	default:
		return log.WarnLevel
	}
}
