// Package screen wraps the vito/midterm VT emulator with the contract
// spec §4.3 requires: feed raw PTY bytes in, get back a plain-text
// snapshot, an ANSI-preserving snapshot, cursor position, and size.
package screen

import (
	"strings"

	"github.com/vito/midterm"
)

// Screen holds one agent's virtual terminal state.
type Screen struct {
	vt         *midterm.Terminal
	rows, cols int
}

// New creates a Screen sized rows x cols.
func New(rows, cols int) *Screen {
	return &Screen{vt: midterm.NewTerminal(rows, cols), rows: rows, cols: cols}
}

// Process feeds raw PTY output bytes to the emulator.
func (s *Screen) Process(data []byte) {
	s.vt.Write(data)
}

// Size returns the configured (rows, cols) — not the emulator's possibly
// grown internal buffer height.
func (s *Screen) Size() (rows, cols int) {
	return s.rows, s.cols
}

// CursorPosition returns the 0-indexed (row, col) of the cursor.
func (s *Screen) CursorPosition() (row, col int) {
	return s.vt.Cursor.Y, s.vt.Cursor.X
}

// Resize replaces the underlying emulator with a fresh one of the new size.
// The previous screen contents and any scrollback are lost — this is a
// documented limitation (see DESIGN.md open question 2).
func (s *Screen) Resize(rows, cols int) {
	s.rows, s.cols = rows, cols
	s.vt = midterm.NewTerminal(rows, cols)
}

// Snapshot returns the plain-text screen contents: trailing whitespace is
// trimmed per line and trailing blank lines are dropped.
func (s *Screen) Snapshot() string {
	lines := s.rowStrings()
	for len(lines) > 0 {
		trimmed := strings.TrimRight(lines[len(lines)-1], " \t")
		if trimmed != "" {
			break
		}
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

func (s *Screen) rowStrings() []string {
	rows := s.rows
	if rows > len(s.vt.Content) {
		rows = len(s.vt.Content)
	}
	out := make([]string, rows)
	for i := 0; i < rows; i++ {
		out[i] = string(s.vt.Content[i])
	}
	return out
}

// ContentsFormatted returns an ANSI-preserving snapshot: an SGR reset plus
// attribute sequence is emitted on any transition of {fg, bg, bold, dim,
// italic, underline, inverse}, trailing space runs per row are collapsed,
// wholly-empty trailing rows are skipped, and no cursor-positioning escapes
// ever appear. Grounded on the teacher's overlay.RenderLineFrom, which
// walks the same Format.Regions(row) iterator for its live redraw.
func (s *Screen) ContentsFormatted() string {
	rows := s.rows
	if rows > len(s.vt.Content) {
		rows = len(s.vt.Content)
	}

	rendered := make([]string, rows)
	lastNonEmpty := -1
	for row := 0; row < rows; row++ {
		line := renderLine(s.vt, row)
		rendered[row] = line
		if strings.TrimRight(line, " ") != "" {
			lastNonEmpty = row
		}
	}
	return strings.Join(rendered[:lastNonEmpty+1], "\n")
}

func renderLine(vt *midterm.Terminal, row int) string {
	if row >= len(vt.Content) {
		return ""
	}
	line := vt.Content[row]

	// trimmedLen excludes the trailing run of space runes in the stored
	// line; columns at or past it (whether stored spaces or emulator
	// padding beyond the stored line) are dropped entirely rather than
	// re-emitted, collapsing the trailing space run per spec.
	trimmedLen := len(line)
	for trimmedLen > 0 && line[trimmedLen-1] == ' ' {
		trimmedLen--
	}
	if trimmedLen == 0 {
		return ""
	}

	var buf strings.Builder
	var pos int
	var lastFormat midterm.Format
	wrote := false
	for region := range vt.Format.Regions(row) {
		if pos >= trimmedLen {
			break
		}
		f := region.F
		if !wrote || f != lastFormat {
			buf.WriteString("\033[0m")
			buf.WriteString(f.Render())
			lastFormat = f
			wrote = true
		}
		end := pos + region.Size
		if end > trimmedLen {
			end = trimmedLen
		}

		if pos < len(line) {
			contentEnd := end
			if contentEnd > len(line) {
				contentEnd = len(line)
			}
			if contentEnd > pos {
				buf.WriteString(string(line[pos:contentEnd]))
			}
		}

		pos += region.Size
	}
	if wrote {
		buf.WriteString("\033[0m")
	}
	return buf.String()
}
