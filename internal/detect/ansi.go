package detect

import "strings"

// StripANSI removes CSI and OSC escape sequences plus stray control bytes,
// and normalises CRLF to LF. Prompt patterns always match against the
// cleaned text, never raw terminal bytes.
func StripANSI(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))

	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != 0x1b {
			switch {
			case c == '\r':
				// CRLF -> LF, bare CR -> LF
				if i+1 < len(data) && data[i+1] == '\n' {
					continue
				}
				b.WriteByte('\n')
			case c == '\n' || c == '\t':
				b.WriteByte(c)
			case c < 0x20 || c == 0x7f:
				// Drop other control bytes (BEL, backspace, ...).
			default:
				b.WriteByte(c)
			}
			continue
		}

		// ESC sequence. i sits on the ESC byte.
		if i+1 >= len(data) {
			break
		}
		switch data[i+1] {
		case '[': // CSI: parameters 0x30-0x3f, intermediates 0x20-0x2f, final 0x40-0x7e
			j := i + 2
			for j < len(data) && (data[j] < 0x40 || data[j] > 0x7e) {
				j++
			}
			i = j // loop increment steps past the final byte
		case ']': // OSC: terminated by BEL or ST (ESC \)
			j := i + 2
			for j < len(data) {
				if data[j] == 0x07 {
					break
				}
				if data[j] == 0x1b && j+1 < len(data) && data[j+1] == '\\' {
					j++
					break
				}
				j++
			}
			i = j
		default:
			// Two-byte escape (e.g. ESC c, ESC 7).
			i++
		}
	}
	return b.String()
}

// TrailingLine returns the text after the last newline in s, trimmed of
// trailing whitespace. This is what the blocked-read and silence signals
// report as the prompt excerpt.
func TrailingLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimRight(s, " \t")
}
