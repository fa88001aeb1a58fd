package detect

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// ScreenTracker feeds child output through a virtual terminal emulator so
// patterns for full-screen TUI tools match the rendered screen rather than
// the raw byte stream. Tools that redraw with cursor movement never show a
// clean trailing line in the byte buffer; the emulator reconstructs it.
type ScreenTracker struct {
	mu   sync.Mutex
	term vt10x.Terminal
	rows int
	cols int
}

// NewScreenTracker creates an emulator of the given dimensions.
func NewScreenTracker(cols, rows int) *ScreenTracker {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	return &ScreenTracker{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		rows: rows,
		cols: cols,
	}
}

// Write feeds raw PTY output to the emulator.
func (s *ScreenTracker) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
}

// Resize updates the emulated terminal size.
func (s *ScreenTracker) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
}

// Lines returns the visible screen content, one string per row, with
// trailing blank rows removed.
func (s *ScreenTracker) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, 0, s.rows)
	for row := 0; row < s.rows; row++ {
		var chars []rune
		for col := 0; col < s.cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(string(chars), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Text returns the visible screen joined with newlines.
func (s *ScreenTracker) Text() string {
	return strings.Join(s.Lines(), "\n")
}
