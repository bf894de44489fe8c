package daemonlog

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// PrintBanner writes a short TTY-aware startup banner to w, colorizing
// output only when w is a terminal, following the teacher's
// internal/termstyle/style.go pattern of gating ANSI codes behind an
// isatty check (here via termenv's color profile, which returns Ascii for
// non-terminals and dumb terminals automatically).
func PrintBanner(w io.Writer, pid int, socketPath, version string) {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		profile = termenv.ColorProfile()
	}
	out := termenv.NewOutput(w, termenv.WithProfile(profile))

	title := out.String("agentryd").Bold()
	fmt.Fprintf(w, "%s %s\n", title, version)
	fmt.Fprintf(w, "  pid:    %d\n", pid)
	fmt.Fprintf(w, "  socket: %s\n", socketPath)
}
