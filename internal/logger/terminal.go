package logger

import (
	"os"

	"github.com/mattn/go-isatty"
)

// isTerminal reports whether f is attached to a terminal, which enables colors.
func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
